package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests, mirroring the teacher's memChatStore in
// internal/persistence/databases/chat_store_memory.go.
type MemStore struct {
	mu       sync.Mutex
	strings_ map[string]string
	expireAt map[string]time.Time
	lists    map[string][]string
	hashes   map[string]map[string]string
}

// NewMem returns an empty in-memory Store.
func NewMem() *MemStore {
	return &MemStore{
		strings_: make(map[string]string),
		expireAt: make(map[string]time.Time),
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
	}
}

func (m *MemStore) expired(key string) bool {
	at, ok := m.expireAt[key]
	return ok && time.Now().After(at)
}

func (m *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.strings_, key)
		return "", false, nil
	}
	v, ok := m.strings_[key]
	return v, ok, nil
}

func (m *MemStore) SetEX(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings_[key] = value
	if ttl > 0 {
		m.expireAt[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MemStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings_, k)
		delete(m.lists, k)
		delete(m.hashes, k)
		delete(m.expireAt, k)
	}
	return nil
}

func (m *MemStore) LPush(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MemStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([]string(nil), list[start:stop+1]...)
	return nil
}

func (m *MemStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		m.expireAt[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *MemStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) HSet(ctx context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (m *MemStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.strings_ {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }
