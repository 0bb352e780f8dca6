// Package collyfetcher implements ingest.Fetcher using gocolly for plain
// HTTP sources.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher executes single-URL fetches with the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Source endpoints are explicit registry entries, not crawled links.
	c.IgnoreRobotsTxt = true
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes one request and returns the body plus response metadata.
// The payload cap is enforced by the collector's body size limit; an
// over-cap body surfaces as a policy error rather than a truncated read.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return ingest.FetchResponse{}, &ingest.TransientIOError{Op: "http fetch", Err: err}
	}

	var (
		result   ingest.FetchResponse
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if req.MaxBytes > 0 {
		// One extra byte so an exactly-at-cap payload passes and the
		// length check below rejects anything above.
		collector.MaxBodySize = int(req.MaxBytes) + 1
	}

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		result = ingest.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Body:         append([]byte(nil), r.Body...),
			MimeType:     r.Headers.Get("Content-Type"),
			ETag:         r.Headers.Get("ETag"),
			LastModified: r.Headers.Get("Last-Modified"),
			Duration:     time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := f.run(ctx, collector, req); err != nil {
		return ingest.FetchResponse{}, err
	}
	if fetchErr != nil {
		return result, &ingest.TransientIOError{Op: "http fetch", Err: fetchErr}
	}
	if req.MaxBytes > 0 && int64(len(result.Body)) > req.MaxBytes {
		return ingest.FetchResponse{}, &ingest.PolicyError{
			Policy: "payload_size",
			Detail: fmt.Sprintf("payload exceeds %d bytes", req.MaxBytes),
		}
	}
	return result, nil
}

func (f *Fetcher) run(ctx context.Context, collector *colly.Collector, req ingest.FetchRequest) error {
	done := make(chan error, 1)
	go func() {
		switch req.Method {
		case http.MethodPost:
			done <- collector.Post(req.URL, nil)
		default:
			done <- collector.Visit(req.URL)
		}
	}()

	select {
	case <-ctx.Done():
		return &ingest.TransientIOError{Op: "http fetch", Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return &ingest.TransientIOError{Op: "http visit", Err: err}
		}
		return nil
	}
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
