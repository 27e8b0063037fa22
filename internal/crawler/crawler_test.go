package crawler

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulagrowth/nebulad/internal/config"
)

// fakeFetcher serves a canned site graph from memory.
type fakeFetcher struct {
	pages   map[string]*Page
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL string) (*Page, error) {
	f.fetched = append(f.fetched, pageURL)
	p, ok := f.pages[pageURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}

func fastConfig() config.CrawlerConfig {
	return config.CrawlerConfig{Delay: config.Duration(time.Microsecond)}
}

func newTestCrawler(f Fetcher) *Crawler {
	return NewWithFetcher(f, fastConfig(), nil)
}

func page(u string, links ...string) *Page {
	return &Page{URL: u, StatusCode: 200, Links: links}
}

func TestCrawl_BreadthFirstWithinCap(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":        page("https://example.com/", "/a", "/b"),
		"https://example.com/a":       page("https://example.com/a", "/a/deep"),
		"https://example.com/b":       page("https://example.com/b"),
		"https://example.com/a/deep":  page("https://example.com/a/deep"),
	}}

	pages, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 3)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	// Breadth-first: both depth-1 pages before the depth-2 page.
	assert.Equal(t, "https://example.com/", pages[0].URL)
	assert.Equal(t, "https://example.com/a", pages[1].URL)
	assert.Equal(t, "https://example.com/b", pages[2].URL)
}

func TestCrawl_StaysOnHost(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/": page("https://example.com/",
			"https://other.example.org/",
			"mailto:x@example.com",
			"javascript:void(0)",
			"/ok",
		),
		"https://example.com/ok": page("https://example.com/ok"),
	}}

	pages, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, fetched := range f.fetched {
		u, err := url.Parse(fetched)
		require.NoError(t, err)
		assert.Equal(t, "example.com", u.Hostname())
	}
}

func TestCrawl_SkipsFailedPages(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":     page("https://example.com/", "/gone", "/ok"),
		"https://example.com/ok":   page("https://example.com/ok"),
		// /gone is missing: fetch fails
	}}

	pages, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "https://example.com/ok", pages[1].URL)
}

func TestCrawl_StartPageFailureIsFatal(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{}}

	_, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start page")
}

func TestCrawl_NeverFetchesSameURLTwice(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":  page("https://example.com/", "/a", "/a", "/a#section", "/"),
		"https://example.com/a": page("https://example.com/a", "/"),
	}}

	pages, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
	assert.Len(t, f.fetched, 2)
}

func TestCrawl_ExcludePatternsSkipLinks(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":      page("https://example.com/", "/blog/a", "/admin/panel", "/docs"),
		"https://example.com/blog/a": page("https://example.com/blog/a"),
		"https://example.com/docs":   page("https://example.com/docs"),
	}}
	cfg := fastConfig()
	cfg.ExcludePatterns = []string{`/admin/`}

	pages, err := NewWithFetcher(f, cfg, nil).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.NotContains(t, f.fetched, "https://example.com/admin/panel")
}

func TestCrawl_IncludePatternsAreAllowlist(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":       page("https://example.com/", "/blog/a", "/pricing", "/about"),
		"https://example.com/blog/a": page("https://example.com/blog/a"),
	}}
	cfg := fastConfig()
	cfg.IncludePatterns = []string{`/blog/`}

	pages, err := NewWithFetcher(f, cfg, nil).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	// Start page is never filtered; only /blog/ links are followed.
	require.Len(t, pages, 2)
	assert.Equal(t, "https://example.com/blog/a", pages[1].URL)
}

func TestCrawl_InvalidPatternIgnored(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":  page("https://example.com/", "/a"),
		"https://example.com/a": page("https://example.com/a"),
	}}
	cfg := fastConfig()
	cfg.ExcludePatterns = []string{`[unclosed`}

	pages, err := NewWithFetcher(f, cfg, nil).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestCrawl_PreservesFetcherStatusCode(t *testing.T) {
	soft404 := page("https://example.com/gone")
	soft404.StatusCode = 404
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":     page("https://example.com/", "/gone"),
		"https://example.com/gone": soft404,
	}}

	pages, err := newTestCrawler(f).Crawl(context.Background(), "https://example.com", 10)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 404, pages[1].StatusCode)
}

func TestCrawlPage_SingleFetch(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/pricing": page("https://example.com/pricing", "/a", "/b"),
	}}

	p, err := newTestCrawler(f).CrawlPage(context.Background(), "https://example.com/pricing#plans")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pricing", p.URL)
	assert.Len(t, f.fetched, 1)

	_, err = newTestCrawler(f).CrawlPage(context.Background(), "https://example.com/missing")
	require.Error(t, err)
}

func TestCrawl_RejectsNonPositiveCap(t *testing.T) {
	_, err := newTestCrawler(&fakeFetcher{}).Crawl(context.Background(), "https://example.com", 0)
	require.Error(t, err)
}

func TestNormalizeLinks(t *testing.T) {
	base, err := url.Parse("https://example.com/blog/post")
	require.NoError(t, err)

	tests := []struct {
		name  string
		hrefs []string
		want  []string
	}{
		{
			name:  "relative resolved against page",
			hrefs: []string{"../about", "next"},
			want:  []string{"https://example.com/about", "https://example.com/blog/next"},
		},
		{
			name:  "fragment and query stripped and deduped",
			hrefs: []string{"/pricing#plans", "/pricing?utm=x", "/pricing"},
			want:  []string{"https://example.com/pricing"},
		},
		{
			name:  "other hosts and schemes dropped",
			hrefs: []string{"https://evil.example.org/", "ftp://example.com/x", "mailto:a@b.c", "tel:+123"},
			want:  []string{},
		},
		{
			name:  "assets dropped",
			hrefs: []string{"/logo.png", "/app.js", "/styles.css", "/doc.pdf", "/page"},
			want:  []string{"https://example.com/page"},
		},
		{
			name:  "host comparison is case-insensitive",
			hrefs: []string{"https://EXAMPLE.com/upper"},
			want:  []string{"https://EXAMPLE.com/upper"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeLinks(base, tt.hrefs)
			assert.Equal(t, tt.want, got)
		})
	}
}
