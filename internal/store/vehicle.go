package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Vehicle is one position reported by a polled transit feed.
type Vehicle struct {
	ID      string
	Name    string
	Lat     float64
	Lon     float64
	Bearing *float64
	// Timestamp is the feed's own fix time in epoch ms, 0 when not reported.
	Timestamp int64
}

// VehicleFeedSource fetches the current vehicle list from a polled feed.
type VehicleFeedSource interface {
	Fetch(ctx context.Context) ([]Vehicle, error)
}

// httpFeed is the transport shared by the polled feed sources.
type httpFeed struct {
	kind       string
	url        string
	httpClient *http.Client
}

func newHTTPFeed(kind, url string, timeout time.Duration) httpFeed {
	return httpFeed{
		kind:       kind,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (f httpFeed) get(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s fetch: %w", f.kind, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s http status: %d", f.kind, resp.StatusCode)
	}
	return resp.Body, nil
}

func float64Ptr(v float64) *float64 { return &v }
