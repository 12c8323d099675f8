// Package profile implements C9: cheap substring-gated preference
// extraction via the LLM client, merged into a typed user-profile record
// that carries an extras map for forward compatibility, following the
// teacher's internal/agent/memory.MemoryEntry.Metadata pattern and the
// redesign note in spec.md section 9 ("extend the profile without schema
// migrations").
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"memoryd/internal/kvstore"
	"memoryd/internal/llmclient"
)

// Identity holds the optional known-identity fields (spec.md section 3.4).
type Identity struct {
	Name      string `json:"name,omitempty"`
	Age       string `json:"age,omitempty"`
	Location  string `json:"location,omitempty"`
	Job       string `json:"job,omitempty"`
	Education string `json:"education,omitempty"`
}

func (i Identity) isEmpty() bool {
	return i.Name == "" && i.Age == "" && i.Location == "" && i.Job == "" && i.Education == ""
}

// Record is the persisted user profile (spec.md section 3.4).
type Record struct {
	Identity            Identity          `json:"identity,omitempty"`
	Preferences         []string          `json:"preferences,omitempty"`
	Interests           []string          `json:"interests,omitempty"`
	CommunicationStyle  string            `json:"communication_style,omitempty"`
	Confidence          float64           `json:"confidence,omitempty"`
	LastUpdated         string            `json:"last_updated,omitempty"`
	Extras              map[string]string `json:"extras,omitempty"`
}

func (r Record) isEmpty() bool {
	return r.Identity.isEmpty() && len(r.Preferences) == 0 && len(r.Interests) == 0 &&
		r.CommunicationStyle == "" && len(r.Extras) == 0
}

// signalSubstrings is the ~30-entry preference-signal gate (spec.md
// section 4.7 step 1): messages containing none of these skip extraction
// entirely, avoiding an LLM call on every turn.
var signalSubstrings = []string{
	"我叫", "我是", "我的名字", "我今年", "我住在", "我来自", "我在",
	"我的工作", "我从事", "我学", "我的专业", "我毕业",
	"我喜欢", "我不喜欢", "我讨厌", "我爱", "我偏好",
	"我想要", "我需要", "我希望", "我计划", "我打算",
	"我的爱好", "我的兴趣", "平时喜欢", "业余时间",
	"请叫我", "可以叫我", "我的年龄", "我的职业", "我的家乡",
}

// Completer is the narrow LLM surface the profile service needs.
type Completer interface {
	Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error)
}

// Service is the C9 profile component.
type Service struct {
	kv  kvstore.Store
	llm Completer
	ttl time.Duration
}

// New builds a Service. ttl defaults to 7 days.
func New(kv kvstore.Store, llm Completer, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{kv: kv, llm: llm, ttl: ttl}
}

func profileKey(user string) string { return "profile:" + user }

// Get loads the stored profile for user, returning a zero Record if none
// exists yet.
func (s *Service) Get(ctx context.Context, user string) (Record, error) {
	val, ok, err := s.kv.Get(ctx, profileKey(user))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, nil
	}
	return rec, nil
}

func hasSignal(message string) bool {
	for _, sig := range signalSubstrings {
		if strings.Contains(message, sig) {
			return true
		}
	}
	return false
}

const extractionPrompt = `请从下面这句话中提取用户的个人信息，只输出一个 JSON 对象，可选字段为：
identity（包含 name, age, location, job, education 中任意已知字段）、
preferences（字符串数组）、interests（字符串数组）、
communication_style（字符串）、confidence（0到1之间的小数）。
没有提及的字段不要输出。只输出 JSON，不要任何其他文字。

用户消息：%s`

// Extract implements spec.md section 4.7's extract operation. It returns
// true iff a profile merge happened.
func (s *Service) Extract(ctx context.Context, user, message string) (bool, error) {
	if !hasSignal(message) {
		return false, nil
	}

	params := llmclient.DefaultParams()
	params.Temperature = 0.3
	out, err := s.llm.Generate(ctx, []llmclient.Message{
		{Role: "user", Content: fmt.Sprintf(extractionPrompt, message)},
	}, params)
	if err != nil {
		return false, nil
	}

	extracted, ok := parseExtraction(out)
	if !ok {
		return false, nil
	}

	current, err := s.Get(ctx, user)
	if err != nil {
		current = Record{}
	}
	merged := mergeProfile(current, extracted)
	merged.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.kv.SetEX(ctx, profileKey(user), string(body), s.ttl); err != nil {
		return false, err
	}
	return true, nil
}

func parseExtraction(text string) (Record, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(text[start:end+1]), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func mergeProfile(current, incoming Record) Record {
	merged := current
	if !incoming.Identity.isEmpty() {
		merged.Identity = mergeIdentity(current.Identity, incoming.Identity)
	}
	merged.Preferences = dedupAppend(current.Preferences, incoming.Preferences)
	merged.Interests = dedupAppend(current.Interests, incoming.Interests)
	if incoming.CommunicationStyle != "" {
		merged.CommunicationStyle = incoming.CommunicationStyle
	}
	if incoming.Confidence != 0 {
		merged.Confidence = incoming.Confidence
	}
	return merged
}

func mergeIdentity(current, incoming Identity) Identity {
	merged := current
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.Age != "" {
		merged.Age = incoming.Age
	}
	if incoming.Location != "" {
		merged.Location = incoming.Location
	}
	if incoming.Job != "" {
		merged.Job = incoming.Job
	}
	if incoming.Education != "" {
		merged.Education = incoming.Education
	}
	return merged
}

// dedupAppend appends incoming's entries to current, skipping duplicates
// and preserving order (spec.md section 3.4: "list fields deduplicated on
// insert").
func dedupAppend(current, incoming []string) []string {
	seen := make(map[string]bool, len(current))
	out := make([]string, 0, len(current)+len(incoming))
	for _, v := range current {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range incoming {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// BuildContextualPrompt formats the stored profile into a Chinese preamble
// (spec.md section 4.7). It returns "" if the profile is empty.
func (s *Service) BuildContextualPrompt(ctx context.Context, user string) (string, error) {
	rec, err := s.Get(ctx, user)
	if err != nil {
		return "", err
	}
	if rec.isEmpty() {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("以下是关于用户的一些已知信息，请据此个性化你的回复：\n")
	if rec.Identity.Name != "" {
		fmt.Fprintf(&b, "- 姓名: %s\n", rec.Identity.Name)
	}
	if rec.Identity.Age != "" {
		fmt.Fprintf(&b, "- 年龄: %s\n", rec.Identity.Age)
	}
	if rec.Identity.Location != "" {
		fmt.Fprintf(&b, "- 所在地: %s\n", rec.Identity.Location)
	}
	if rec.Identity.Job != "" {
		fmt.Fprintf(&b, "- 职业: %s\n", rec.Identity.Job)
	}
	if rec.Identity.Education != "" {
		fmt.Fprintf(&b, "- 教育背景: %s\n", rec.Identity.Education)
	}
	if len(rec.Preferences) > 0 {
		fmt.Fprintf(&b, "- 偏好: %s\n", strings.Join(rec.Preferences, "、"))
	}
	if len(rec.Interests) > 0 {
		fmt.Fprintf(&b, "- 兴趣: %s\n", strings.Join(rec.Interests, "、"))
	}
	if rec.CommunicationStyle != "" {
		fmt.Fprintf(&b, "- 沟通风格: %s\n", rec.CommunicationStyle)
	}
	b.WriteString("请在回复中自然地体现对用户的了解，不要生硬地复述以上信息。")
	return b.String(), nil
}
