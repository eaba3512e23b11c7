package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

func collectJSONArray(ctx context.Context, r io.Reader) (model.Batch, error) {
	items, errs := DecodeJSONArray[map[string]any](ctx, r)
	out := model.Batch{}
	for item := range items {
		out = append(out, normalizeNumbers(item))
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordsAt walks a dot-separated path through doc and returns the array of
// objects found there.
func RecordsAt(doc map[string]any, path string) (model.Batch, error) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, eris.Errorf("json: %q is not an object", part)
		}
		if cur, ok = obj[part]; !ok {
			return nil, eris.Errorf("json: path %q not found", path)
		}
	}

	items, ok := cur.([]any)
	if !ok {
		return nil, eris.Errorf("json: %q is not an array", path)
	}
	out := make(model.Batch, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, eris.Errorf("json: element %d of %q is not an object", i, path)
		}
		out = append(out, normalizeNumbers(obj))
	}
	return out, nil
}

// normalizeNumbers converts json.Number values to int64 or float64.
func normalizeNumbers(m map[string]any) model.Record {
	rec := make(model.Record, len(m))
	for k, v := range m {
		rec[k] = normalizeValue(v)
	}
	return rec
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return map[string]any(normalizeNumbers(t))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalizeValue(x)
		}
		return out
	default:
		return v
	}
}
