// Package crawler fetches rendered site content with a headless
// browser, breadth-first from a start URL.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/logging"
)

// Page is one rendered page snapshot. FCP and LCP are milliseconds from
// the browser performance timeline; all three metrics are zero when the
// browser did not report them.
type Page struct {
	URL             string
	Title           string
	Content         string
	HTML            string
	MetaDescription string
	StatusCode      int
	LoadTime        time.Duration
	Links           []string

	FCP float64
	LCP float64
	CLS float64
}

// Fetcher loads one URL and returns its rendered content. The chromedp
// implementation is the production one; tests substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Page, error)
}

// Crawler walks a site breadth-first, same host only, up to a page cap.
// Include patterns, when present, act as an allowlist for followed
// links; exclude patterns always win.
type Crawler struct {
	fetcher Fetcher
	limiter *rate.Limiter
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	logger  *logging.Logger
}

// New builds a Crawler backed by a headless Chrome fetcher.
func New(cfg config.CrawlerConfig, logger *logging.Logger) *Crawler {
	return NewWithFetcher(newChromeFetcher(cfg), cfg, logger)
}

// NewWithFetcher builds a Crawler with a custom fetcher. Unparsable
// link patterns are logged and ignored.
func NewWithFetcher(fetcher Fetcher, cfg config.CrawlerConfig, logger *logging.Logger) *Crawler {
	if logger == nil {
		logger = logging.NewNop()
	}
	delay := time.Duration(cfg.Delay)
	if delay <= 0 {
		delay = time.Second
	}
	return &Crawler{
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		include: compilePatterns(cfg.IncludePatterns, logger),
		exclude: compilePatterns(cfg.ExcludePatterns, logger),
		logger:  logger,
	}
}

func compilePatterns(patterns []string, logger *logging.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn(context.Background(), "invalid link pattern, ignoring",
				zap.String("pattern", p),
				zap.Error(err),
			)
			continue
		}
		out = append(out, re)
	}
	return out
}

// followable applies the include/exclude patterns to a discovered link.
// The start URL is never filtered.
func (c *Crawler) followable(link string) bool {
	for _, re := range c.exclude {
		if re.MatchString(link) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, re := range c.include {
		if re.MatchString(link) {
			return true
		}
	}
	return false
}

// Crawl fetches up to maxPages pages starting at startURL, following
// same-host links breadth-first. Individual page failures are logged
// and skipped; the crawl fails only when the start page itself cannot
// be fetched or the context ends.
func (c *Crawler) Crawl(ctx context.Context, startURL string, maxPages int) ([]*Page, error) {
	if maxPages < 1 {
		return nil, fmt.Errorf("maxPages must be positive, got %d", maxPages)
	}

	start, base, err := normalizeStart(startURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start URL %q: %w", startURL, err)
	}

	queue := []string{start}
	visited := map[string]bool{start: true}
	var pages []*Page

	for len(queue) > 0 && len(pages) < maxPages {
		pageURL := queue[0]
		queue = queue[1:]

		if err := c.limiter.Wait(ctx); err != nil {
			return pages, err
		}

		page, err := c.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return pages, ctx.Err()
			}
			if len(pages) == 0 && pageURL == start {
				return nil, fmt.Errorf("fetching start page %s: %w", pageURL, err)
			}
			c.logger.Warn(ctx, "page fetch failed, skipping",
				zap.String("url", pageURL),
				zap.Error(err),
			)
			continue
		}

		pages = append(pages, page)
		c.logger.Debug(ctx, "crawled page",
			zap.String("url", page.URL),
			zap.Int("status", page.StatusCode),
			zap.Int("links", len(page.Links)),
		)

		pageBase, err := url.Parse(page.URL)
		if err != nil {
			pageBase = base
		}
		for _, link := range normalizeLinks(pageBase, page.Links) {
			if visited[link] || !c.followable(link) {
				continue
			}
			visited[link] = true
			queue = append(queue, link)
		}
	}

	c.logger.Info(ctx, "crawl finished",
		zap.String("start_url", start),
		zap.Int("pages", len(pages)),
	)
	return pages, nil
}

// CrawlPage fetches a single page without following links. It shares
// the crawler's rate limit.
func (c *Crawler) CrawlPage(ctx context.Context, pageURL string) (*Page, error) {
	start, _, err := normalizeStart(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", pageURL, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.fetcher.Fetch(ctx, start)
}

// chromeFetcher renders pages in headless Chrome via chromedp.
type chromeFetcher struct {
	cfg config.CrawlerConfig
}

func newChromeFetcher(cfg config.CrawlerConfig) *chromeFetcher {
	return &chromeFetcher{cfg: cfg}
}

// pageExtraction mirrors the JS extraction result.
type pageExtraction struct {
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	HTML            string   `json:"html"`
	MetaDescription string   `json:"metaDescription"`
	Links           []string `json:"links"`
	FCP             float64  `json:"fcp"`
	LCP             float64  `json:"lcp"`
	CLS             float64  `json:"cls"`
}

// extractPageJS pulls rendered content plus the performance timeline.
// LCP and layout-shift entries are only reachable through a buffered
// observer; takeRecords drains them synchronously.
const extractPageJS = `
(function() {
	var meta = document.querySelector('meta[name="description"]');
	var links = [];
	document.querySelectorAll('a[href]').forEach(function(a) {
		links.push(a.getAttribute('href'));
	});
	var fcp = 0, lcp = 0, cls = 0;
	try {
		performance.getEntriesByType('paint').forEach(function(e) {
			if (e.name === 'first-contentful-paint') fcp = e.startTime;
		});
		var lcpObs = new PerformanceObserver(function() {});
		lcpObs.observe({type: 'largest-contentful-paint', buffered: true});
		lcpObs.takeRecords().forEach(function(e) {
			lcp = e.renderTime || e.loadTime || e.startTime;
		});
		lcpObs.disconnect();
		var clsObs = new PerformanceObserver(function() {});
		clsObs.observe({type: 'layout-shift', buffered: true});
		clsObs.takeRecords().forEach(function(e) {
			if (!e.hadRecentInput) cls += e.value;
		});
		clsObs.disconnect();
	} catch (e) {}
	return {
		title: document.title || '',
		content: document.body ? document.body.innerText : '',
		html: document.documentElement ? document.documentElement.outerHTML : '',
		metaDescription: meta ? (meta.getAttribute('content') || '') : '',
		links: links,
		fcp: fcp,
		lcp: lcp,
		cls: cls
	};
})()`

// newContext creates a fresh chromedp context, one tab per fetch.
func (f *chromeFetcher) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("log-level", "3"),
		chromedp.UserAgent(f.cfg.UserAgent),
		chromedp.WindowSize(1280, 900),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	cancel := func() {
		cancelCtx()
		cancelAlloc()
	}
	return ctx, cancel
}

// Fetch navigates to pageURL and extracts rendered text, HTML and links.
func (f *chromeFetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	tabCtx, cancel := f.newContext(ctx)
	defer cancel()

	timeout := time.Duration(f.cfg.NavigationTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, timeout)
	defer cancelTimeout()

	started := time.Now()

	// The last document response on the tab is the page itself;
	// redirects replace it, subresources have a different type. The
	// listener runs on the browser event goroutine, hence the atomic.
	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			status.Store(resp.Response.Status)
		}
	})

	var extracted pageExtraction
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.Sleep(2*time.Second), // give JS time to render
		chromedp.Evaluate(extractPageJS, &extracted),
	)
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	statusCode := status.Load()
	if statusCode == 0 {
		statusCode = 200 // served from cache or about: pages
	}

	return &Page{
		URL:             pageURL,
		Title:           extracted.Title,
		Content:         extracted.Content,
		HTML:            extracted.HTML,
		MetaDescription: extracted.MetaDescription,
		StatusCode:      int(statusCode),
		LoadTime:        time.Since(started),
		Links:           extracted.Links,
		FCP:             extracted.FCP,
		LCP:             extracted.LCP,
		CLS:             extracted.CLS,
	}, nil
}
