// Package embedclient is a thin HTTP client for a text-embedding upstream,
// adapted from the teacher's internal/embedding/client.go: a plain
// net/http POST with a JSON request/response contract, no SDK.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"memoryd/internal/config"
)

// Client embeds text into vectors for C10 (long-term memory).
type Client struct {
	cfg  config.EmbeddingConfig
	http *http.Client
}

// New builds a Client from config.EmbeddingConfig.
func New(cfg config.EmbeddingConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// EmbedTexts embeds a batch of strings in one upstream call, preserving
// input order. It returns an error if the upstream's output count does not
// match the input count.
func (c *Client) EmbedTexts(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.APIHeader == "Authorization" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > 300 {
			snippet = snippet[:300] + "..."
		}
		return nil, fmt.Errorf("embedding upstream returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		snippet := string(raw)
		if len(snippet) > 300 {
			snippet = snippet[:300] + "..."
		}
		return nil, fmt.Errorf("decode embedding response: %w (body: %s)", err, snippet)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("embedding upstream error: %s", parsed.Error)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding upstream returned %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// EmbedText embeds a single string.
func (c *Client) EmbedText(ctx context.Context, input string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding upstream returned no vectors")
	}
	return vecs[0], nil
}

// CheckReachability issues a one-word embedding call to verify the upstream
// is configured and reachable.
func (c *Client) CheckReachability(ctx context.Context) error {
	_, err := c.EmbedText(ctx, "ping")
	return err
}
