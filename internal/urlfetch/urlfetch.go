// Package urlfetch is the external-collaborator interface for "intent=web":
// given a URL, retrieve the page and extract its readable body text. It
// wraps go-shiori/go-readability for content extraction and goquery for a
// plain-text body fallback, the same pairing the rest of the example pack reaches for
// when it needs HTML-to-text extraction.
package urlfetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// ErrAntiScrape signals the page fetcher hit an anti-bot wall (spec.md's
// Glossary "Anti-scrape detection" heuristic).
var ErrAntiScrape = errors.New("anti-scrape detection triggered")

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
}

var antiScrapeMarkers = []string{
	"安全验证", "验证", "人机验证", "captcha", "robot", "bot", "请稍后再试", "访问过于频繁",
}

const (
	fetchTimeout  = 15 * time.Second
	maxRetries    = 3
	minBodyLength = 100
)

// Fetcher retrieves and extracts a page's readable text.
type Fetcher struct {
	http *http.Client
}

// New builds a Fetcher.
func New() *Fetcher {
	return &Fetcher{http: &http.Client{Timeout: fetchTimeout}}
}

// Fetch downloads url, extracts its readable text, and applies the
// anti-scrape heuristic. It retries up to maxRetries times with jittered
// backoff and a rotated User-Agent on transient failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			jitter := time.Duration(rand.Intn(300)) * time.Millisecond
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		body, title, err := f.fetchOnce(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}

		if isAntiScrape(body, title) {
			return "", ErrAntiScrape
		}
		return body, nil
	}
	return "", fmt.Errorf("fetch %s failed after %d attempts: %w", url, maxRetries+1, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (body, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])

	resp, err := f.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, nil)
	if err != nil {
		return "", "", fmt.Errorf("extract readable content: %w", err)
	}
	if strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), article.Title, nil
	}

	// Fall back to a goquery text scrape of the body when readability yields
	// nothing usable (e.g. a non-article page).
	doc, gqErr := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if gqErr != nil {
		return "", article.Title, nil
	}
	return strings.TrimSpace(doc.Text()), article.Title, nil
}

func isAntiScrape(body, title string) bool {
	if len([]rune(body)) < minBodyLength {
		return true
	}
	head := title
	runes := []rune(body)
	if len(runes) < 200 {
		head += string(runes)
	} else {
		head += string(runes[:200])
	}
	headLower := strings.ToLower(head)
	for _, marker := range antiScrapeMarkers {
		if strings.Contains(headLower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
