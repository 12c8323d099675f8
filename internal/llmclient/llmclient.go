// Package llmclient talks to a DashScope-shaped chat-completions upstream
// over raw HTTP, following the teacher's completions.go: forward a JSON
// body, set a bearer header, and either read one JSON response or scan an
// SSE body line by line. No provider SDK is used, matching the teacher's
// own proxy handler for this class of upstream.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"memoryd/internal/config"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes generation. Callers start from DefaultParams and override
// individual fields; zero values are sent to the upstream as they are.
type Params struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	RepetitionPenalty float64
}

// DefaultParams returns the defaults spec.md section 4.4 specifies.
func DefaultParams() Params {
	return Params{
		Temperature:       0.7,
		MaxTokens:         3000,
		TopP:              0.8,
		RepetitionPenalty: 1.1,
	}
}

// ErrorKind classifies upstream failures so callers can decide whether to
// retry, degrade, or surface the error to the user.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrTimeout
	ErrAuthFailed
	ErrRateLimited
	ErrContentRejected
	ErrUnavailable
)

// Error wraps an upstream failure with its classified Kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Client is the C4 LLM adapter: generate (non-streaming) and stream (SSE).
type Client struct {
	cfg  config.LLMConfig
	http *http.Client
}

// New builds a Client from config.LLMConfig.
func New(cfg config.LLMConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	Stream      bool      `json:"stream"`
}

type chatChoice struct {
	Message Message `json:"message"`
	Delta   Message `json:"delta"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
}

func (c *Client) buildRequest(ctx context.Context, messages []Message, params Params, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model:             c.cfg.Model,
		Messages:          messages,
		Temperature:       params.Temperature,
		MaxTokens:         params.MaxTokens,
		TopP:              params.TopP,
		RepetitionPenalty: params.RepetitionPenalty,
		Stream:            stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("X-DashScope-SSE", "enable")
	}
	return req, nil
}

func classifyStatus(status int, body []byte, code string) error {
	msg := fmt.Sprintf("llm upstream returned %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrAuthFailed, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimited, Msg: msg}
	case status == http.StatusBadRequest && code == "DataInspectionFailed":
		return &Error{Kind: ErrContentRejected, Msg: "content rejected by upstream moderation"}
	case status >= 500:
		return &Error{Kind: ErrUnavailable, Msg: msg}
	default:
		return &Error{Kind: ErrUnknown, Msg: fmt.Sprintf("%s: %s", msg, string(body))}
	}
}

// Generate issues a single non-streaming completion request and returns the
// full response text.
func (c *Client) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	req, err := c.buildRequest(ctx, messages, params, false)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Kind: ErrTimeout, Msg: "llm request timed out"}
		}
		return "", &Error{Kind: ErrUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	var parsed chatResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, raw, parsed.Code)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm upstream returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamHandler receives incremental text chunks as they arrive. Returning
// an error aborts the stream.
type StreamHandler func(chunk string) error

const doneSentinel = "[DONE]"

// Stream issues a streaming completion request, delivering each delta chunk
// to handler as it arrives, following the DashScope SSE contract: lines
// prefixed "data: ", terminated by a "data: [DONE]" sentinel.
func (c *Client) Stream(ctx context.Context, messages []Message, params Params, handler StreamHandler) error {
	req, err := c.buildRequest(ctx, messages, params, true)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: ErrTimeout, Msg: "llm stream timed out"}
		}
		return &Error{Kind: ErrUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var parsed chatResponse
		_ = json.Unmarshal(raw, &parsed)
		return classifyStatus(resp.StatusCode, raw, parsed.Code)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneSentinel {
			return nil
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			content = chunk.Choices[0].Message.Content
		}
		if content == "" {
			continue
		}
		if err := handler(content); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		// The stream already started delivering content; per the client
		// contract it still ends with one terminal 错误: chunk rather than
		// just dropping the connection silently.
		_ = handler(fmt.Sprintf("错误: %s", err.Error()))
		return fmt.Errorf("read chat stream: %w", err)
	}
	return nil
}
