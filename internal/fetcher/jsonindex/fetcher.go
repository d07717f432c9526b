// Package jsonindex implements the Fetcher contract against JSON listing
// index endpoints with page-number pagination.
package jsonindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Config controls the JSON index fetcher.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxPages bounds a full fetch; 0 means no bound beyond the endpoint's
	// own pagination.
	MaxPages int
}

// page is the wire shape of one index page.
type page struct {
	Listings      []map[string]any `json:"listings"`
	TotalListings int              `json:"totalListings"`
	NextPage      int              `json:"nextPage"`
}

type validators struct {
	etag         string
	lastModified string
	cached       monitor.FetchResult
}

// Fetcher fetches listing index pages over HTTP. It remembers each
// target's ETag / Last-Modified validators and replays the cached
// snapshot on 304 Not Modified.
type Fetcher struct {
	cfg    Config
	client *http.Client
	clock  monitor.Clock
	logger *zap.Logger

	mu    sync.Mutex
	conds map[string]*validators
}

// New constructs a Fetcher.
func New(cfg Config, clock monitor.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
		conds:  make(map[string]*validators),
	}
}

// Fetch retrieves the target's listing index. When full is false only the
// first page is fetched.
func (f *Fetcher) Fetch(ctx context.Context, target monitor.PollingTarget, full bool) (monitor.FetchResult, error) {
	result := monitor.FetchResult{
		Source:    target.URL,
		Full:      full,
		ScrapedAt: f.clock.Now(),
	}

	pageNum := 1
	for {
		pg, notModified, err := f.fetchPage(ctx, target, pageNum, pageNum == 1)
		if err != nil {
			return monitor.FetchResult{}, err
		}
		if notModified {
			cached, ok := f.cachedResult(target.URL)
			if !ok {
				// Validator cache and snapshot cache disagree; refetch
				// unconditionally.
				f.forget(target.URL)
				return f.Fetch(ctx, target, full)
			}
			cached.Full = full
			cached.ScrapedAt = f.clock.Now()
			return cached, nil
		}

		for _, raw := range pg.Listings {
			result.Listings = append(result.Listings, decodeListing(raw))
		}
		result.TotalListings = pg.TotalListings
		result.PagesScraped = pageNum

		if !full || pg.NextPage == 0 || pageNum >= f.cfg.MaxPages {
			break
		}
		pageNum = pg.NextPage
	}
	if result.TotalListings == 0 {
		result.TotalListings = len(result.Listings)
	}

	// Surface the first page's validators so callers can persist them
	// alongside the canonical state.
	f.mu.Lock()
	if v, ok := f.conds[target.URL]; ok {
		result.ETag = v.etag
		result.LastModified = v.lastModified
	}
	f.mu.Unlock()

	if full {
		f.remember(target.URL, result)
	}
	return result, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, target monitor.PollingTarget, pageNum int, conditional bool) (page, bool, error) {
	url := target.URL
	if pageNum > 1 {
		url = fmt.Sprintf("%s?page=%d", target.URL, pageNum)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return page{}, false, &monitor.TransientFetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if conditional {
		f.mu.Lock()
		if v, ok := f.conds[target.URL]; ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
		f.mu.Unlock()
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return page{}, false, &monitor.TransientFetchError{Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return page{}, true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return page{}, false, &monitor.RateLimitedError{
			Domain:     target.Domain,
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode != http.StatusOK:
		return page{}, false, &monitor.TransientFetchError{
			Err: fmt.Errorf("%s returned status %d", url, resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return page{}, false, &monitor.TransientFetchError{Err: err}
	}
	var pg page
	if err := json.Unmarshal(body, &pg); err != nil {
		return page{}, false, &monitor.ParseError{Source: url, Err: err}
	}

	if conditional {
		f.mu.Lock()
		v, ok := f.conds[target.URL]
		if !ok {
			v = &validators{}
			f.conds[target.URL] = v
		}
		v.etag = resp.Header.Get("ETag")
		v.lastModified = resp.Header.Get("Last-Modified")
		f.mu.Unlock()
	}
	return pg, false, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func decodeListing(raw map[string]any) monitor.RawListing {
	l := monitor.RawListing{Raw: raw}
	if v, ok := raw["id"].(string); ok {
		l.ID = v
	} else if n, ok := raw["id"].(float64); ok {
		l.ID = strconv.FormatFloat(n, 'f', -1, 64)
	}
	if v, ok := raw["title"].(string); ok {
		l.Title = v
	}
	if n, ok := raw["price"].(float64); ok {
		price := n
		l.Price = &price
	}
	if v, ok := raw["condition"].(string); ok {
		l.Condition = v
	}
	if v, ok := raw["location"].(string); ok {
		l.Location = v
	}
	if v, ok := raw["url"].(string); ok {
		l.URL = v
	}
	if imgs, ok := raw["imageUrls"].([]any); ok {
		for _, img := range imgs {
			if s, ok := img.(string); ok {
				l.ImageURLs = append(l.ImageURLs, s)
			}
		}
	}
	return l
}

func (f *Fetcher) cachedResult(url string) (monitor.FetchResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.conds[url]
	if !ok || v.cached.Source == "" {
		return monitor.FetchResult{}, false
	}
	return v.cached, true
}

func (f *Fetcher) remember(url string, result monitor.FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.conds[url]
	if !ok {
		v = &validators{}
		f.conds[url] = v
	}
	v.cached = result
}

func (f *Fetcher) forget(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conds, url)
}
