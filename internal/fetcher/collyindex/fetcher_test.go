package collyindex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func testConfig() Config {
	return Config{
		ItemSelector:     "div.listing",
		IDAttr:           "data-id",
		TitleSelector:    "h2.title",
		PriceSelector:    "span.price",
		ConditionSel:     "span.condition",
		LocationSelector: "span.location",
		ImageSelector:    "img.photo",
		NextPageSelector: "a.next",
	}
}

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg, &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
	require.NoError(t, err)
	return f
}

func target(url string) monitor.PollingTarget {
	return monitor.PollingTarget{ID: "t1", URL: url, Domain: "127.0.0.1"}
}

const pageOne = `<html><body>
<div class="listing" data-id="a">
  <a href="/items/a"><h2 class="title">Road Bike</h2></a>
  <span class="price">$1,299.99</span>
  <span class="condition">used</span>
  <span class="location">Denver, CO</span>
  <img class="photo" src="/img/a1.jpg">
  <img class="photo" src="/img/a2.jpg">
</div>
<div class="listing" data-id="b">
  <a href="/items/b"><h2 class="title">Helmet</h2></a>
  <span class="price">$45</span>
</div>
<a class="next" href="/page/2">next</a>
</body></html>`

const pageTwo = `<html><body>
<div class="listing" data-id="c">
  <a href="/items/c"><h2 class="title">Pump</h2></a>
</div>
</body></html>`

func TestFullFetchFollowsNextPageLinks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/page/2" {
			fmt.Fprint(w, pageTwo)
			return
		}
		fmt.Fprint(w, pageOne)
	}))
	defer server.Close()

	result, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), true)
	require.NoError(t, err)
	require.True(t, result.Full)
	require.Equal(t, 2, result.PagesScraped)
	require.Equal(t, 3, result.TotalListings)
	require.Len(t, result.Listings, 3)

	first := result.Listings[0]
	require.Equal(t, "a", first.ID)
	require.Equal(t, "Road Bike", first.Title)
	require.NotNil(t, first.Price)
	require.Equal(t, 1299.99, *first.Price)
	require.Equal(t, "used", first.Condition)
	require.Equal(t, "Denver, CO", first.Location)
	require.Equal(t, server.URL+"/items/a", first.URL)
	require.Equal(t, []string{server.URL + "/img/a1.jpg", server.URL + "/img/a2.jpg"}, first.ImageURLs)

	require.Equal(t, "c", result.Listings[2].ID)
}

func TestPartialFetchStopsAtFirstPage(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pages.Add(1)
		fmt.Fprint(w, pageOne)
	}))
	defer server.Close()

	result, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), false)
	require.NoError(t, err)
	require.False(t, result.Full)
	require.Len(t, result.Listings, 2)
	require.Equal(t, int32(1), pages.Load())
}

func TestMaxPagesBoundsFullFetch(t *testing.T) {
	t.Parallel()

	// Every page links to the next; without the bound this would loop.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<div class="listing" data-id="%s"><h2 class="title">X</h2></div>
<a class="next" href="/p%d">next</a>
</body></html>`, r.URL.Path, len(r.URL.Path))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxPages = 3
	result, err := newFetcher(t, cfg).Fetch(context.Background(), target(server.URL), true)
	require.NoError(t, err)
	require.Equal(t, 3, result.PagesScraped)
	require.Len(t, result.Listings, 3)
}

func TestItemsWithoutIDSkipped(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<div class="listing"><h2 class="title">No ID</h2></div>
<div class="listing" data-id="a"><h2 class="title">Has ID</h2></div>
</body></html>`)
	}))
	defer server.Close()

	result, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), false)
	require.NoError(t, err)
	require.Len(t, result.Listings, 1)
	require.Equal(t, "a", result.Listings[0].ID)
}

func TestServerErrorMapsToTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), false)
	require.True(t, monitor.IsTransient(err))
}

func TestTooManyRequestsMapsToRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), false)
	_, ok := monitor.IsRateLimited(err)
	require.True(t, ok)
}

func TestMissingItemSelectorRejected(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &fakeClock{}, zap.NewNop())
	var ce *monitor.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestClientRenderedPageMapsToParseError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`)
	}))
	defer server.Close()

	_, err := newFetcher(t, testConfig()).Fetch(context.Background(), target(server.URL), false)
	var pe *monitor.ParseError
	require.ErrorAs(t, err, &pe)
	require.Contains(t, pe.Error(), "client-side rendering")
}

func TestRequiresRendering(t *testing.T) {
	t.Parallel()

	require.True(t, requiresRendering(nil))
	require.True(t, requiresRendering([]byte(`<div data-reactroot></div>`)))
	require.True(t, requiresRendering([]byte(`<script>window.__next={}</script>`)))
	require.False(t, requiresRendering([]byte(`<html><body><p>No listings right now.</p></body></html>`)))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,299.99", 1299.99, true},
		{"45", 45, true},
		{"EUR 12.50", 12.5, true},
		{"free", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePrice(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}
