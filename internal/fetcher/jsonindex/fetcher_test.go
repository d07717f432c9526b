package jsonindex

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

func newFetcher() *Fetcher {
	return New(Config{}, &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
}

func target(url string) monitor.PollingTarget {
	return monitor.PollingTarget{ID: "t1", URL: url, Domain: "127.0.0.1"}
}

func TestFullFetchFollowsPagination(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			fmt.Fprint(w, `{"listings":[{"id":"a","title":"X","price":100}],"totalListings":2,"nextPage":2}`)
		case "2":
			fmt.Fprint(w, `{"listings":[{"id":"b","title":"Y","price":50,"condition":"used"}],"totalListings":2,"nextPage":0}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	result, err := newFetcher().Fetch(context.Background(), target(server.URL), true)
	require.NoError(t, err)
	require.True(t, result.Full)
	require.Len(t, result.Listings, 2)
	require.Equal(t, 2, result.PagesScraped)
	require.Equal(t, 2, result.TotalListings)
	require.Equal(t, "a", result.Listings[0].ID)
	require.Equal(t, "b", result.Listings[1].ID)
	require.NotNil(t, result.Listings[1].Price)
	require.Equal(t, 50.0, *result.Listings[1].Price)
	require.Equal(t, "used", result.Listings[1].Condition)
}

func TestPartialFetchStopsAtFirstPage(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pages.Add(1)
		fmt.Fprint(w, `{"listings":[{"id":"a","title":"X"}],"nextPage":2}`)
	}))
	defer server.Close()

	result, err := newFetcher().Fetch(context.Background(), target(server.URL), false)
	require.NoError(t, err)
	require.False(t, result.Full)
	require.Len(t, result.Listings, 1)
	require.Equal(t, int32(1), pages.Load())
}

func TestTooManyRequestsMapsToRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newFetcher().Fetch(context.Background(), target(server.URL), false)
	retryAfter, ok := monitor.IsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, retryAfter)
}

func TestServerErrorMapsToTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newFetcher().Fetch(context.Background(), target(server.URL), false)
	require.True(t, monitor.IsTransient(err))
}

func TestMalformedBodyMapsToParseError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer server.Close()

	_, err := newFetcher().Fetch(context.Background(), target(server.URL), false)
	var pe *monitor.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestNotModifiedReplaysCachedSnapshot(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, `{"listings":[{"id":"a","title":"X","price":100}],"nextPage":0}`)
	}))
	defer server.Close()

	f := newFetcher()
	tgt := target(server.URL)

	first, err := f.Fetch(context.Background(), tgt, true)
	require.NoError(t, err)
	require.Len(t, first.Listings, 1)
	require.Equal(t, `"v1"`, first.ETag)

	second, err := f.Fetch(context.Background(), tgt, true)
	require.NoError(t, err)
	require.Len(t, second.Listings, 1)
	require.Equal(t, first.Listings, second.Listings)
	require.Equal(t, `"v1"`, second.ETag)
	require.Equal(t, int32(2), requests.Load())
}

func TestNumericIDCoerced(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"listings":[{"id":12345,"title":"X"}],"nextPage":0}`)
	}))
	defer server.Close()

	result, err := newFetcher().Fetch(context.Background(), target(server.URL), false)
	require.NoError(t, err)
	require.Equal(t, "12345", result.Listings[0].ID)
}
