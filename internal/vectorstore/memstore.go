package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memPoint struct {
	vector  []float32
	payload map[string]any
}

// MemStore is an in-process brute-force Store used by tests, mirroring the
// cosine-similarity scoring the teacher's evolving memory package uses to
// rank recall candidates.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]map[string]memPoint
	dims        map[string]int
}

// NewMem returns an empty in-memory Store.
func NewMem() *MemStore {
	return &MemStore{
		collections: make(map[string]map[string]memPoint),
		dims:        make(map[string]int),
	}
}

func (m *MemStore) EnsureCollection(ctx context.Context, name string, dim int, metric string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = make(map[string]memPoint)
		m.dims[name] = dim
	}
	return nil
}

func (m *MemStore) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts, ok := m.collections[collection]
	if !ok {
		pts = make(map[string]memPoint)
		m.collections[collection] = pts
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	pts[id] = memPoint{vector: vec, payload: p}
	return nil
}

func (m *MemStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func matches(payload map[string]any, mustFilter map[string]string) bool {
	for k, v := range mustFilter {
		pv, ok := payload[k]
		if !ok {
			return false
		}
		if s, ok := pv.(string); !ok || s != v {
			return false
		}
	}
	return true
}

func (m *MemStore) Search(ctx context.Context, collection string, query []float32, k int, mustFilter map[string]string, minScore float64) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k <= 0 {
		k = 10
	}
	var out []Result
	for id, pt := range m.collections[collection] {
		if !matches(pt.payload, mustFilter) {
			continue
		}
		score := cosineSimilarity(query, pt.vector)
		if score < minScore {
			continue
		}
		p := make(map[string]any, len(pt.payload))
		for k, v := range pt.payload {
			p[k] = v
		}
		out = append(out, Result{ID: id, Score: score, Payload: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemStore) Health(ctx context.Context) error { return nil }

func (m *MemStore) Close() error { return nil }
