package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout is a backstop; the gateway applies the provider's per-call
	// timeout through the request context.
	Timeout time.Duration
	// MaxBodyBytes caps the response size. Default: 64 MiB.
	MaxBodyBytes int64
}

// HTTPFetcher fetches provider payloads over HTTP. Each call is a single
// attempt; 429 and 5xx responses come back as resilience.TransientError.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "orchestrator/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 20
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
	}
}

// open issues the request and returns the body of a 2xx response.
func (f *HTTPFetcher) open(ctx context.Context, req Request) (io.ReadCloser, error) {
	rawURL, err := resolveURL(req)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(accessString(req, "method"))
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	if headers, ok := req.Access["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: %s %s", method, req.Provider.ID)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		statusErr := eris.Errorf("fetcher: http %d from provider %s", resp.StatusCode, req.Provider.ID)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			zap.L().Debug("fetcher: transient http status",
				zap.String("provider", req.Provider.ID),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, f.opts.MaxBodyBytes), resp.Body}, nil
}

// FetchJSON fetches a JSON payload. A top-level array is streamed record by
// record; otherwise the access key "records_path" (dot separated) locates
// the array inside the envelope.
func (f *HTTPFetcher) FetchJSON(ctx context.Context, req Request) (model.Batch, error) {
	body, err := f.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	path := accessString(req, "records_path")
	if path == "" {
		return collectJSONArray(ctx, body)
	}

	doc, err := DecodeJSONObject[map[string]any](body)
	if err != nil {
		return nil, err
	}
	return RecordsAt(*doc, path)
}

// FetchCSV fetches a CSV payload with a header row.
func (f *HTTPFetcher) FetchCSV(ctx context.Context, req Request) (model.Batch, error) {
	body, err := f.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	return ReadCSVRecords(ctx, body, csvOptions(req))
}
