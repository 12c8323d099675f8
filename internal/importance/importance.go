// Package importance scores a conversational turn for long-term-memory
// eligibility. It is a pure function with a fixed keyword lexicon, in the
// style of the teacher's deterministic, dependency-free scoring helpers —
// no network calls, no randomness.
package importance

import (
	"strings"
	"time"
)

// HighKeywords are the fixed high-importance lexicon.
var HighKeywords = []string{"重要", "关键", "必须", "紧急", "优先", "核心", "主要", "决定", "选择"}

// MediumKeywords are the fixed medium-importance lexicon.
var MediumKeywords = []string{"需要", "想要", "希望", "计划", "打算", "考虑", "建议", "推荐"}

// LowKeywords are the fixed low-importance lexicon.
var LowKeywords = []string{"可能", "也许", "大概", "或者", "随便", "无所谓"}

// PersonalClaimTokens are prefixes that signal a first-person claim.
var PersonalClaimTokens = []string{"我的", "我是", "我在", "我会", "我想", "我需要", "我喜欢", "我不喜欢", "我讨厌", "我叫"}

var strongEmotionPhrases = []string{"太好了", "非常喜欢", "讨厌死了", "气死了", "太棒了", "崩溃了", "绝望", "愤怒"}
var moderateEmotionPhrases = []string{"喜欢", "讨厌", "开心", "难过", "担心", "焦虑", "满意"}

// Input bundles everything the scorer needs. TurnCount, WithinWorkHours and
// UserActivityScore carry the optional contextual signals from section 4.3's
// Context component.
type Input struct {
	UserMessage      string
	AIResponse       string
	Intent           string
	TurnCount        int
	WithinWorkHours  bool
	UserActivityScore float64
}

// Score computes the [0,1] composite importance score for one turn,
// following spec section 4.3's component table exactly.
func Score(in Input) float64 {
	score := lengthComponent(in.UserMessage, in.AIResponse) +
		intentComponent(in.Intent) +
		keywordComponent(in.UserMessage) +
		personalComponent(in.UserMessage) +
		emotionComponent(in.UserMessage) +
		contextComponent(in)

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func lengthComponent(msg, resp string) float64 {
	n := len([]rune(msg)) + len([]rune(resp))
	switch {
	case n > 1000:
		return 0.25
	case n > 500:
		return 0.20
	case n > 200:
		return 0.15
	case n > 100:
		return 0.10
	default:
		return 0.05
	}
}

func intentComponent(intent string) float64 {
	switch intent {
	case "search", "web", "file":
		return 0.40
	case "code", "image":
		return 0.30
	case "greeting", "goodbye":
		return 0.05
	case "normal":
		return 0.10
	default:
		return 0.10
	}
}

func countOccurrences(text string, terms []string) int {
	count := 0
	for _, term := range terms {
		count += strings.Count(text, term)
	}
	return count
}

func keywordComponent(text string) float64 {
	high := countOccurrences(text, HighKeywords)
	medium := countOccurrences(text, MediumKeywords)
	low := countOccurrences(text, LowKeywords)

	highScore := 0.03 * float64(high)
	if highScore > 0.15 {
		highScore = 0.15
	}
	mediumScore := 0.01 * float64(medium)
	if mediumScore > 0.05 {
		mediumScore = 0.05
	}
	lowPenalty := 0.005 * float64(low)
	if lowPenalty > 0.02 {
		lowPenalty = 0.02
	}

	total := highScore + mediumScore - lowPenalty
	if total < 0 {
		total = 0
	}
	if total > 0.20 {
		total = 0.20
	}
	return total
}

func personalComponent(text string) float64 {
	count := 0
	for _, tok := range PersonalClaimTokens {
		count += strings.Count(text, tok)
	}
	switch {
	case count >= 3:
		return 0.10
	case count >= 2:
		return 0.07
	case count >= 1:
		return 0.05
	default:
		return 0
	}
}

func emotionComponent(text string) float64 {
	var total float64
	if countOccurrences(text, strongEmotionPhrases) > 0 {
		total += 0.03
	}
	if countOccurrences(text, moderateEmotionPhrases) > 0 {
		total += 0.02
	}
	if total > 0.05 {
		total = 0.05
	}
	return total
}

func contextComponent(in Input) float64 {
	var total float64

	switch {
	case in.TurnCount > 10:
		total += 0.03
	case in.TurnCount > 5:
		total += 0.02
	case in.TurnCount > 0:
		total += 0.01
	}
	if in.WithinWorkHours {
		total += 0.02
	}
	switch {
	case in.UserActivityScore > 0.8:
		total += 0.03
	case in.UserActivityScore > 0.5:
		total += 0.015
	}

	if total > 0.10 {
		total = 0.10
	}
	return total
}

// WithinWorkHours reports whether t falls on a weekday between 09:00 and
// 18:00 local time, the "working hours" signal the Context component uses.
func WithinWorkHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	hour := t.Hour()
	return hour >= 9 && hour < 18
}
