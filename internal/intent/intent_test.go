package intent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"memoryd/internal/llmclient"
	"memoryd/internal/memtypes"
	"memoryd/internal/urlfetch"
)

type fakeCompleter struct {
	response string
	err      error
}

func (f fakeCompleter) Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeFetcher struct {
	body string
	err  error
}

func (f fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.body, nil
}

type fakeSearch struct {
	results []SearchResult
	err     error
}

func (f fakeSearch) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func TestClassifyURLAttachmentWins(t *testing.T) {
	c := New(nil, nil, nil)
	res := c.Classify(context.Background(), "看看这个", []Attachment{
		{Kind: "url", Content: "网页正文内容"},
	}, "u1", nil)
	require.Equal(t, "web", res.Intent)
	require.Equal(t, "网页正文内容", res.Content)
	require.Equal(t, 1.0, res.Confidence)
}

func TestClassifyFileAttachmentWins(t *testing.T) {
	c := New(nil, nil, nil)
	res := c.Classify(context.Background(), "看看这个文件", []Attachment{
		{Kind: "file", Name: "a.txt", Content: "文件内容"},
	}, "u1", nil)
	require.Equal(t, "file", res.Intent)
	require.Contains(t, res.Content, "file a.txt:")
	require.Contains(t, res.Content, "文件内容")
}

func TestClassifyInlineURLFetched(t *testing.T) {
	c := New(fakeFetcher{body: "提取的正文"}, nil, nil)
	res := c.Classify(context.Background(), "帮我看看 https://example.com/article 这篇", nil, "u1", nil)
	require.Equal(t, "web", res.Intent)
	require.Equal(t, "提取的正文", res.Content)
}

func TestClassifyInlineURLAntiScrape(t *testing.T) {
	c := New(fakeFetcher{err: urlfetch.ErrAntiScrape}, nil, nil)
	res := c.Classify(context.Background(), "看看 https://example.com/blocked", nil, "u1", nil)
	require.Equal(t, "web", res.Intent)
	require.Contains(t, res.Content, "错误：")
}

func TestClassifyInlineURLOtherFailureDemotesToNormal(t *testing.T) {
	c := New(fakeFetcher{err: errors.New("dns failure")}, nil, nil)
	res := c.Classify(context.Background(), "看看 https://example.com/down", nil, "u1", nil)
	require.Equal(t, "normal", res.Intent)
	require.Contains(t, res.Content, "获取网页失败")
}

func TestClassifyLLMArbitrationJSON(t *testing.T) {
	c := New(nil, nil, fakeCompleter{response: `{"intent":"code","reasoning":"用户想写代码","confidence":0.9}`})
	res := c.Classify(context.Background(), "帮我写一个排序算法", nil, "u1", nil)
	require.Equal(t, "code", res.Intent)
	require.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestClassifyLLMArbitrationTextFallback(t *testing.T) {
	c := New(nil, nil, fakeCompleter{response: "这应该是 code 类型的请求"})
	res := c.Classify(context.Background(), "帮我写个脚本", nil, "u1", nil)
	require.Equal(t, "code", res.Intent)
}

func TestClassifySearchIntentAttachesResults(t *testing.T) {
	c := New(nil, fakeSearch{results: []SearchResult{{Title: "t", URL: "u", Snippet: "s"}}},
		fakeCompleter{response: `{"intent":"search","reasoning":"需要查资料","confidence":0.8}`})
	res := c.Classify(context.Background(), "今天的新闻是什么", nil, "u1", nil)
	require.Equal(t, "search", res.Intent)
	require.Len(t, res.SearchResults, 1)
}

func TestClassifySearchFailureDemotesToNormal(t *testing.T) {
	c := New(nil, fakeSearch{err: fmt.Errorf("search down")},
		fakeCompleter{response: `{"intent":"search","reasoning":"需要查资料","confidence":0.8}`})
	res := c.Classify(context.Background(), "今天的新闻是什么", nil, "u1", nil)
	require.Equal(t, "normal", res.Intent)
}

func TestClassifyLLMFailureDefaultsToNormal(t *testing.T) {
	c := New(nil, nil, fakeCompleter{err: fmt.Errorf("llm down")})
	res := c.Classify(context.Background(), "随便聊聊", nil, "u1", nil)
	require.Equal(t, "normal", res.Intent)
}

func TestClassifyIncludesRecentTurnsInPrompt(t *testing.T) {
	captured := ""
	captureCompleter := captureFunc(func(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
		captured = messages[0].Content
		return `{"intent":"normal","reasoning":"","confidence":0.6}`, nil
	})
	c := New(nil, nil, captureCompleter)
	turns := []memtypes.Turn{
		{UserMessage: "你好", AIResponse: "你好呀"},
	}
	c.Classify(context.Background(), "继续", nil, "u1", turns)
	require.Contains(t, captured, "你好")
	require.Contains(t, captured, "你好呀")
}

type captureFunc func(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error)

func (f captureFunc) Generate(ctx context.Context, messages []llmclient.Message, params llmclient.Params) (string, error) {
	return f(ctx, messages, params)
}
