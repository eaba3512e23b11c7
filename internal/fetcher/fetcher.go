// Package fetcher implements the provider clients that pull records from
// HTTP APIs, FTP servers, CSV and XLSX files, and inline fixtures.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// Request is one fetch of a source through a provider.
type Request struct {
	Source   model.Source
	Provider model.Provider
	// Access is the mapping's provider-specific access config.
	Access map[string]any
	// Params are run parameters merged with the binding's params.
	Params map[string]any
}

// Fetcher retrieves a batch of records for a request. Implementations make
// a single attempt; retries and circuit breaking belong to the gateway.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (model.Batch, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, req Request) (model.Batch, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req Request) (model.Batch, error) {
	return f(ctx, req)
}

// Client dispatches a request to the client matching the provider's kind.
type Client struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// Options configures the default clients.
type Options struct {
	HTTP HTTPOptions
	FTP  FTPOptions
}

// NewClient creates a Client with HTTP and FTP transports.
func NewClient(opts Options) *Client {
	return &Client{
		http: NewHTTPFetcher(opts.HTTP),
		ftp:  NewFTPFetcher(opts.FTP),
	}
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, req Request) (model.Batch, error) {
	switch req.Provider.Kind {
	case model.ProviderKindHTTPJSON, "":
		return c.http.FetchJSON(ctx, req)
	case model.ProviderKindHTTPCSV:
		return c.http.FetchCSV(ctx, req)
	case model.ProviderKindFTPCSV:
		return c.ftp.FetchCSV(ctx, req)
	case model.ProviderKindFileCSV:
		return ReadCSVFile(ctx, accessString(req, "path"), csvOptions(req))
	case model.ProviderKindFileXLSX:
		return ReadXLSXRecords(accessString(req, "path"), XLSXOptions{
			SheetName: accessString(req, "sheet"),
		})
	case model.ProviderKindStatic:
		return staticRecords(req)
	default:
		return nil, eris.Errorf("fetcher: unsupported provider kind %q", req.Provider.Kind)
	}
}

func accessString(req Request, key string) string {
	if v, ok := req.Access[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// resolveURL builds the request URL from the provider base URL and the
// mapping's "url" or "path" access keys. {name} placeholders are replaced
// from params; remaining params become query parameters when "query_params"
// is not false.
func resolveURL(req Request) (string, error) {
	raw := accessString(req, "url")
	if raw == "" {
		raw = strings.TrimRight(req.Provider.BaseURL, "/")
		if p := accessString(req, "path"); p != "" {
			raw += "/" + strings.TrimLeft(p, "/")
		}
	}
	if raw == "" {
		return "", eris.Errorf("fetcher: no url for provider %s source %s", req.Provider.ID, req.Source.ID)
	}

	used := make(map[string]bool)
	for k, v := range req.Params {
		placeholder := "{" + k + "}"
		if strings.Contains(raw, placeholder) {
			raw = strings.ReplaceAll(raw, placeholder, url.PathEscape(fmt.Sprint(v)))
			used[k] = true
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: parse url")
	}
	if q, ok := req.Access["query_params"].(bool); ok && !q {
		return u.String(), nil
	}
	query := u.Query()
	for k, v := range req.Params {
		if !used[k] {
			query.Set(k, fmt.Sprint(v))
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func staticRecords(req Request) (model.Batch, error) {
	raw, ok := req.Access["records"]
	if !ok {
		return model.Batch{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, eris.Errorf("fetcher: static records for %s must be a list", req.Source.ID)
	}
	out := make(model.Batch, 0, len(items))
	for i, item := range items {
		rec, err := toRecord(item)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: static record %d", i)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRecord(v any) (model.Record, error) {
	switch m := v.(type) {
	case map[string]any:
		return model.Record(m).Clone(), nil
	case model.Record:
		return m.Clone(), nil
	case map[any]any:
		rec := make(model.Record, len(m))
		for k, val := range m {
			rec[fmt.Sprint(k)] = val
		}
		return rec, nil
	default:
		return nil, eris.Errorf("expected object, got %T", v)
	}
}
