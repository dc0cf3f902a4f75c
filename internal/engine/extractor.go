package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"golang.org/x/sync/singleflight"
)

const (
	referenceMaxRunes = 15000
	// referenceMinRunes rejects login walls, cookie walls and empty pages.
	referenceMinRunes = 100
	referenceMaxBytes = 5 << 20
	referenceCacheTTL = 30 * time.Minute
)

// ContentExtractor fetches the readable text behind a reference URL.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*ExtractedContent, error)
}

// ExtractedContent holds the result of content extraction.
type ExtractedContent struct {
	Title          string `json:"title,omitempty"`
	Byline         string `json:"byline,omitempty"`
	NormalizedText string `json:"normalized_text"`
	WordCount      int    `json:"word_count"`
}

// errNotReadable marks a page that answered but held no usable article.
// Such pages are not refetched.
var errNotReadable = errors.New("reference not readable")

type cachedReference struct {
	content *ExtractedContent
	expires time.Time
}

// HTTPExtractor fetches reference pages and reduces them to article text with
// go-readability. Concurrent requests for the same URL share one fetch, and
// results are cached for a while so regenerate loops do not refetch.
type HTTPExtractor struct {
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedReference
}

// NewHTTPExtractor creates an extractor. A nil client gets a 30s timeout.
func NewHTTPExtractor(client *http.Client) *HTTPExtractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExtractor{client: client, now: time.Now, cache: make(map[string]cachedReference)}
}

// Extract returns the article behind url. A transient fetch failure is
// retried once.
func (e *HTTPExtractor) Extract(ctx context.Context, url string) (*ExtractedContent, error) {
	u, err := nurl.Parse(strings.TrimSpace(url))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) url", errNotReadable, url)
	}
	key := u.String()
	if c, ok := e.cached(key); ok {
		return c, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		c, err := e.fetchWithRetry(ctx, u)
		if err != nil {
			return nil, err
		}
		e.store(key, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExtractedContent), nil
}

func (e *HTTPExtractor) cached(key string) (*ExtractedContent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[key]
	if !ok || e.now().After(c.expires) {
		delete(e.cache, key)
		return nil, false
	}
	return c.content, true
}

func (e *HTTPExtractor) store(key string, c *ExtractedContent) {
	e.mu.Lock()
	e.cache[key] = cachedReference{content: c, expires: e.now().Add(referenceCacheTTL)}
	e.mu.Unlock()
}

func (e *HTTPExtractor) fetchWithRetry(ctx context.Context, u *nurl.URL) (*ExtractedContent, error) {
	c, err := e.fetch(ctx, u)
	if err == nil || errors.Is(err, errNotReadable) || ctx.Err() != nil {
		return c, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}
	c, err2 := e.fetch(ctx, u)
	if err2 != nil {
		return nil, fmt.Errorf("fetch %s (retried): %w", u, err2)
	}
	return c, nil
}

func (e *HTTPExtractor) fetch(ctx context.Context, u *nurl.URL) (*ExtractedContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cadence/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, u)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: HTTP %d for %s", errNotReadable, resp.StatusCode, u)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "" && !strings.Contains(mt, "html") && !strings.HasPrefix(mt, "text/") {
		return nil, fmt.Errorf("%w: content type %s", errNotReadable, mt)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, referenceMaxBytes), u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotReadable, err)
	}
	text := normalizeText(article.TextContent)
	if n := utf8.RuneCountInString(text); n < referenceMinRunes {
		return nil, fmt.Errorf("%w: only %d chars of text", errNotReadable, n)
	}
	text = truncateRunes(text, referenceMaxRunes)
	return &ExtractedContent{
		Title:          strings.TrimSpace(article.Title),
		Byline:         strings.TrimSpace(article.Byline),
		NormalizedText: text,
		WordCount:      len(strings.Fields(text)),
	}, nil
}

var (
	runsOfBlanks   = regexp.MustCompile(`[ \t]+`)
	runsOfNewlines = regexp.MustCompile(`\n{3,}`)
)

// normalizeText collapses horizontal whitespace and keeps at most one blank
// line between paragraphs.
func normalizeText(s string) string {
	s = runsOfBlanks.ReplaceAllString(strings.TrimSpace(s), " ")
	return runsOfNewlines.ReplaceAllString(s, "\n\n")
}
