// Package collyindex implements the Fetcher contract for HTML listing
// indexes using gocolly with operator-configured CSS selectors.
package collyindex

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Config controls collector behavior and the selectors that locate
// listing fields inside an index page.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxPages  int

	ItemSelector     string
	IDAttr           string
	TitleSelector    string
	PriceSelector    string
	ConditionSel     string
	LocationSelector string
	ImageSelector    string
	NextPageSelector string
}

// Fetcher scrapes listing index pages with a Colly collector.
type Fetcher struct {
	cfg           Config
	clock         monitor.Clock
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config, clock monitor.Clock, logger *zap.Logger) (*Fetcher, error) {
	if cfg.ItemSelector == "" {
		return nil, &monitor.ConfigError{Reason: "fetcher.item_selector is required"}
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = "data-id"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		clock:         clock,
		logger:        logger,
		baseCollector: c,
	}, nil
}

// Fetch scrapes the target's index. When full is false only the first
// page is visited; otherwise pagination links are followed up to
// MaxPages.
func (f *Fetcher) Fetch(ctx context.Context, target monitor.PollingTarget, full bool) (monitor.FetchResult, error) {
	result := monitor.FetchResult{
		Source:    target.URL,
		Full:      full,
		ScrapedAt: f.clock.Now(),
	}

	pageURL := target.URL
	maxPages := f.cfg.MaxPages
	if !full {
		maxPages = 1
	}

	for pageNum := 1; pageNum <= maxPages && pageURL != ""; pageNum++ {
		listings, nextURL, err := f.scrapePage(ctx, target, pageURL)
		if err != nil {
			return monitor.FetchResult{}, err
		}
		result.Listings = append(result.Listings, listings...)
		result.PagesScraped = pageNum
		pageURL = nextURL
	}
	result.TotalListings = len(result.Listings)
	return result, nil
}

func (f *Fetcher) scrapePage(ctx context.Context, target monitor.PollingTarget, pageURL string) ([]monitor.RawListing, string, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		listings   []monitor.RawListing
		nextURL    string
		fetchErr   error
		statusCode int
		body       []byte
	)

	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})

	collector.OnHTML(f.cfg.ItemSelector, func(e *colly.HTMLElement) {
		listing := monitor.RawListing{
			ID:    e.Attr(f.cfg.IDAttr),
			Title: childText(e, f.cfg.TitleSelector),
			Raw:   map[string]any{"html_index": pageURL},
		}
		if listing.ID == "" {
			return
		}
		if priceText := childText(e, f.cfg.PriceSelector); priceText != "" {
			if price, ok := parsePrice(priceText); ok {
				listing.Price = &price
			}
		}
		listing.Condition = childText(e, f.cfg.ConditionSel)
		listing.Location = childText(e, f.cfg.LocationSelector)
		if f.cfg.ImageSelector != "" {
			e.ForEach(f.cfg.ImageSelector, func(_ int, img *colly.HTMLElement) {
				if src := img.Attr("src"); src != "" {
					listing.ImageURLs = append(listing.ImageURLs, e.Request.AbsoluteURL(src))
				}
			})
		}
		if href := e.ChildAttr("a", "href"); href != "" {
			listing.URL = e.Request.AbsoluteURL(href)
		}
		listings = append(listings, listing)
	})

	if f.cfg.NextPageSelector != "" {
		collector.OnHTML(f.cfg.NextPageSelector, func(e *colly.HTMLElement) {
			if href := e.Attr("href"); href != "" {
				nextURL = e.Request.AbsoluteURL(href)
			}
		})
	}

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	visitErr := f.visit(ctx, collector, pageURL)
	// On HTTP errors Visit returns the same error the OnError callback saw,
	// so consult the callback first: it carries the status code needed to
	// tell a 429 apart from a flaky connection.
	if fetchErr != nil {
		return nil, "", mapError(target, pageURL, statusCode, fetchErr)
	}
	if visitErr != nil {
		return nil, "", &monitor.TransientFetchError{Err: visitErr}
	}
	if len(listings) == 0 {
		if requiresRendering(body) {
			return nil, "", &monitor.ParseError{
				Source: pageURL,
				Err:    fmt.Errorf("page appears to require client-side rendering"),
			}
		}
		f.logger.Debug("index page yielded no items",
			zap.String("target_id", target.ID), zap.String("url", pageURL))
	}
	return listings, nextURL, nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func mapError(target monitor.PollingTarget, url string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &monitor.RateLimitedError{Domain: target.Domain, RetryAfter: time.Minute}
	case status >= 400 && status < 500:
		return &monitor.ParseError{Source: url, Err: fmt.Errorf("status %d: %w", status, err)}
	default:
		return &monitor.TransientFetchError{Err: err}
	}
}

func childText(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(e.ChildText(selector))
}

var priceChars = regexp.MustCompile(`[^0-9.]`)

func parsePrice(text string) (float64, bool) {
	cleaned := priceChars.ReplaceAllString(strings.ReplaceAll(text, ",", ""), "")
	if cleaned == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
