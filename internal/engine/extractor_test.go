package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<html><head><title>Launch notes</title></head><body>
<article><h1>Launch notes</h1>
<p>Cadence ships weekly buckets of posts. Each bucket carries a theme, a thesis and a goal that every post in it supports.</p>
<p>Reviewers approve topics first, then generated drafts, and the sweep publishes whatever is due on the channel.</p>
</article></body></html>`

func TestHTTPExtractor_Extract(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.Client())
	got, err := e.Extract(context.Background(), srv.URL+"/notes")
	require.NoError(t, err)
	assert.Contains(t, got.NormalizedText, "weekly buckets")
	assert.Greater(t, got.WordCount, 20)

	_, err = e.Extract(context.Background(), srv.URL+"/notes")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "second call should be served from cache")
}

func TestHTTPExtractor_CacheExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	e := NewHTTPExtractor(srv.Client())
	e.now = func() time.Time { return now }

	_, err := e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	now = now.Add(referenceCacheTTL + time.Second)
	_, err = e.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHTTPExtractor_SharesConcurrentFetches(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.Client())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Extract(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPExtractor_NotReadable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/short":
			w.Write([]byte("<html><body><p>Sign in.</p></body></html>"))
		case "/pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-1.4"))
		}
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.Client())
	for _, path := range []string{"/missing", "/short", "/pdf"} {
		_, err := e.Extract(context.Background(), srv.URL+path)
		assert.True(t, errors.Is(err, errNotReadable), "%s: %v", path, err)
	}
	assert.EqualValues(t, 3, hits.Load(), "unreadable pages are not refetched")

	_, err := e.Extract(context.Background(), "ftp://example.com/file")
	assert.True(t, errors.Is(err, errNotReadable))
}

func TestHTTPExtractor_RetriesServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	got, err := NewHTTPExtractor(srv.Client()).Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.Contains(t, got.NormalizedText, "sweep publishes")
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  a \t b\n\n\n\nc  ")
	assert.Equal(t, "a b\n\nc", got)
	assert.False(t, strings.Contains(got, "\t"))
}
