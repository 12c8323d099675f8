package memoryfacade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memoryd/internal/importance"
	"memoryd/internal/longterm"
	"memoryd/internal/shortterm"
)

type delayingShortTermReader struct{ delay time.Duration }

func (d delayingShortTermReader) GetRecentContext(ctx context.Context, user, conv string, limit int) (shortterm.Context, error) {
	time.Sleep(d.delay)
	return shortterm.Context{ContextText: "最近对话:\n用户: hi\n助手: yo\n"}, nil
}

type delayingLongTermReader struct{ delay time.Duration }

func (d delayingLongTermReader) SearchRelevant(ctx context.Context, user, query string, limit int, minImportance float64, timeRange *longterm.TimeRange) ([]longterm.Memory, error) {
	time.Sleep(d.delay)
	return []longterm.Memory{{ImportanceScore: 0.8, Content: "咖啡偏好"}}, nil
}

type delayingProfileReader struct{ delay time.Duration }

func (d delayingProfileReader) BuildContextualPrompt(ctx context.Context, user string) (string, error) {
	time.Sleep(d.delay)
	return "以下是关于用户的一些已知信息...", nil
}

type erroringLongTermReader struct{}

func (erroringLongTermReader) SearchRelevant(ctx context.Context, user, query string, limit int, minImportance float64, timeRange *longterm.TimeRange) ([]longterm.Memory, error) {
	return nil, fmt.Errorf("vector store down")
}

type noopShortTermWriter struct{ called bool }

func (n *noopShortTermWriter) SmartStore(ctx context.Context, user, conv, msg, resp string, meta map[string]string) error {
	n.called = true
	return nil
}

type erroringLongTermWriter struct{}

func (erroringLongTermWriter) ProcessForStorage(ctx context.Context, user, conv, msg, resp, intent string, sources []string, scoreInput importance.Input) (longterm.StorageResult, error) {
	return longterm.StorageResult{}, fmt.Errorf("embedding unavailable")
}

func TestGetConversationContextParallelNotSerial(t *testing.T) {
	d := 100 * time.Millisecond
	f := newFacade(
		delayingShortTermReader{delay: d}, nil,
		delayingLongTermReader{delay: d}, nil,
		delayingProfileReader{delay: d},
		true, true,
	)

	start := time.Now()
	res := f.GetConversationContext(t.Context(), "u", "c", "推荐饮品", 5)
	elapsed := time.Since(start)

	require.Less(t, elapsed, 2*d) // well under 3d if truly parallel
	require.Contains(t, res.FullContext, "咖啡偏好")
	require.Contains(t, res.FullContext, "最近对话")
	require.True(t, res.Metadata.ShortTerm.OK)
	require.True(t, res.Metadata.LongTerm.OK)
	require.True(t, res.Metadata.Profile.OK)
}

func TestGetConversationContextTolerantOfPartialFailure(t *testing.T) {
	f := newFacade(
		delayingShortTermReader{}, nil,
		erroringLongTermReader{}, nil,
		delayingProfileReader{},
		true, true,
	)

	res := f.GetConversationContext(t.Context(), "u", "c", "x", 5)
	require.False(t, res.Metadata.LongTerm.OK)
	require.NotEmpty(t, res.Metadata.LongTerm.Error)
	require.True(t, res.Metadata.ShortTerm.OK)
	require.Contains(t, res.FullContext, "最近对话")
}

func TestGetConversationContextEmptyConversationNoException(t *testing.T) {
	f := newFacade(nil, nil, nil, nil, nil, false, false)
	res := f.GetConversationContext(t.Context(), "u", "c", "x", 5)
	require.Empty(t, res.FullContext)
}

func TestProcessConversationTolerantOfPartialFailure(t *testing.T) {
	writer := &noopShortTermWriter{}
	f := newFacade(nil, writer, nil, erroringLongTermWriter{}, nil, true, true)

	res := f.ProcessConversation(t.Context(), "u", "c", "msg", "resp", "normal", nil, importance.Input{})
	require.True(t, writer.called)
	require.True(t, res.ShortTerm.OK)
	require.False(t, res.LongTerm.OK)
}
