// Package memoryfacade is C11, the single surface the orchestrator reads
// and writes memory through. Both directions fan out across the three
// memory tiers concurrently and tolerate partial failure, using one goroutine
// per tier joined by a sync.WaitGroup, the fan-out/fan-in shape of the
// teacher's internal/tools/multitool.ParallelTool.Call.
package memoryfacade

import (
	"context"
	"strings"
	"sync"

	"memoryd/internal/importance"
	"memoryd/internal/longterm"
	"memoryd/internal/shortterm"
)

// TierStatus reports one tier's outcome for a façade call.
type TierStatus struct {
	OK    bool
	Error string
}

// ContextMetadata carries per-tier status for get_conversation_context.
type ContextMetadata struct {
	ShortTerm TierStatus
	LongTerm  TierStatus
	Profile   TierStatus
}

// ContextResult is the façade's read-side output.
type ContextResult struct {
	FullContext string
	Metadata    ContextMetadata
}

// ShortTermReader is the narrow C7 read surface the façade needs.
type ShortTermReader interface {
	GetRecentContext(ctx context.Context, user, conv string, limit int) (shortterm.Context, error)
}

// ShortTermWriter is the narrow C7 write surface the façade needs.
type ShortTermWriter interface {
	SmartStore(ctx context.Context, user, conv, msg, resp string, meta map[string]string) error
}

// LongTermReader is the narrow C10 read surface the façade needs.
type LongTermReader interface {
	SearchRelevant(ctx context.Context, user, query string, limit int, minImportance float64, timeRange *longterm.TimeRange) ([]longterm.Memory, error)
}

// LongTermWriter is the narrow C10 write surface the façade needs.
type LongTermWriter interface {
	ProcessForStorage(ctx context.Context, user, conv, msg, resp, intent string, sources []string, scoreInput importance.Input) (longterm.StorageResult, error)
}

// ProfileReader is the narrow C9 read surface the façade needs.
type ProfileReader interface {
	BuildContextualPrompt(ctx context.Context, user string) (string, error)
}

// Facade is the C11 unified memory component. It depends on each tier only
// through the interfaces above so tests can substitute delay-instrumented
// fakes without a real Redis/Qdrant/LLM stack.
type Facade struct {
	shortTermReader ShortTermReader
	shortTermWriter ShortTermWriter
	longTermReader  LongTermReader
	longTermWriter  LongTermWriter
	profiles        ProfileReader

	shortTermEnabled bool
	longTermEnabled  bool
}

// New builds a Facade from the three concrete tier components. Either tier
// can be individually disabled per spec.md section 6's master switches.
func New(shortTerm *shortterm.Store, longTerm *longterm.Store, profiles ProfileReader, shortTermEnabled, longTermEnabled bool) *Facade {
	return newFacade(shortTerm, shortTerm, longTerm, longTerm, profiles, shortTermEnabled, longTermEnabled)
}

// newFacade is the fully-decomposed constructor used directly by tests that
// need independent reader/writer fakes per tier.
func newFacade(shortTermReader ShortTermReader, shortTermWriter ShortTermWriter, longTermReader LongTermReader, longTermWriter LongTermWriter, profiles ProfileReader, shortTermEnabled, longTermEnabled bool) *Facade {
	return &Facade{
		shortTermReader:  shortTermReader,
		shortTermWriter:  shortTermWriter,
		longTermReader:   longTermReader,
		longTermWriter:   longTermWriter,
		profiles:         profiles,
		shortTermEnabled: shortTermEnabled,
		longTermEnabled:  longTermEnabled,
	}
}

const longTermBlockLimit = 3

// GetConversationContext implements spec.md section 4.9's read operation:
// fan out to the three tiers in parallel, compose the result, and tolerate
// any subset of tiers failing.
func (f *Facade) GetConversationContext(ctx context.Context, user, conv, currentMessage string, limit int) ContextResult {
	var (
		wg sync.WaitGroup

		shortBlock string
		longBlock  string
		profileBlock string

		meta ContextMetadata
	)

	wg.Add(3)

	go func() {
		defer wg.Done()
		if !f.shortTermEnabled || f.shortTermReader == nil {
			meta.ShortTerm = TierStatus{OK: true}
			return
		}
		res, err := f.shortTermReader.GetRecentContext(ctx, user, conv, limit)
		if err != nil {
			meta.ShortTerm = TierStatus{OK: false, Error: err.Error()}
			return
		}
		shortBlock = res.ContextText
		meta.ShortTerm = TierStatus{OK: true}
	}()

	go func() {
		defer wg.Done()
		if !f.longTermEnabled || f.longTermReader == nil {
			meta.LongTerm = TierStatus{OK: true}
			return
		}
		memories, err := f.longTermReader.SearchRelevant(ctx, user, currentMessage, longTermBlockLimit, 0, nil)
		if err != nil {
			meta.LongTerm = TierStatus{OK: false, Error: err.Error()}
			return
		}
		lines := make([]string, 0, len(memories))
		for _, m := range memories {
			lines = append(lines, longterm.FormatLine(m))
		}
		longBlock = strings.Join(lines, "\n")
		meta.LongTerm = TierStatus{OK: true}
	}()

	go func() {
		defer wg.Done()
		if !f.longTermEnabled || f.profiles == nil {
			meta.Profile = TierStatus{OK: true}
			return
		}
		block, err := f.profiles.BuildContextualPrompt(ctx, user)
		if err != nil {
			meta.Profile = TierStatus{OK: false, Error: err.Error()}
			return
		}
		profileBlock = block
		meta.Profile = TierStatus{OK: true}
	}()

	wg.Wait()

	var b strings.Builder
	if profileBlock != "" {
		b.WriteString(profileBlock)
	}
	if longBlock != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("相关历史记忆:\n")
		b.WriteString(longBlock)
	}
	if shortBlock != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("最近对话:\n")
		b.WriteString(shortBlock)
	}

	return ContextResult{FullContext: b.String(), Metadata: meta}
}

// ProcessResult is the façade's write-side output.
type ProcessResult struct {
	Success         bool
	ShortTerm       TierStatus
	LongTerm        TierStatus
	LongTermStored  bool
	LongTermReason  string
}

// ProcessConversation implements spec.md section 4.9's write operation:
// fan out to C7.SmartStore and C10.ProcessForStorage in parallel, after the
// response has already been streamed to the client.
func (f *Facade) ProcessConversation(ctx context.Context, user, conv, msg, resp, intent string, sources []string, scoreInput importance.Input) ProcessResult {
	var (
		wg     sync.WaitGroup
		result ProcessResult
	)
	result.Success = true

	wg.Add(2)

	go func() {
		defer wg.Done()
		if !f.shortTermEnabled || f.shortTermWriter == nil {
			result.ShortTerm = TierStatus{OK: true}
			return
		}
		if err := f.shortTermWriter.SmartStore(ctx, user, conv, msg, resp, nil); err != nil {
			result.ShortTerm = TierStatus{OK: false, Error: err.Error()}
			return
		}
		result.ShortTerm = TierStatus{OK: true}
	}()

	go func() {
		defer wg.Done()
		if !f.longTermEnabled || f.longTermWriter == nil {
			result.LongTerm = TierStatus{OK: true}
			return
		}
		storageRes, err := f.longTermWriter.ProcessForStorage(ctx, user, conv, msg, resp, intent, sources, scoreInput)
		if err != nil {
			result.LongTerm = TierStatus{OK: false, Error: err.Error()}
			return
		}
		result.LongTerm = TierStatus{OK: true}
		result.LongTermStored = storageRes.Stored
		result.LongTermReason = storageRes.Reason
	}()

	wg.Wait()
	return result
}
