package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads a CSV file and sends rows to a channel.
// Caller must consume the returned row channel. Errors are sent on the error channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		first := true
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSVRecords parses a CSV stream whose first row is the header into
// records keyed by column name. Empty cells are omitted.
func ReadCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) (model.Batch, error) {
	opts.HasHeader = true
	headerCh := make(chan []string, 1)
	opts.HeaderCh = headerCh

	rows, errs := StreamCSV(ctx, r, opts)
	var header []string
	out := model.Batch{}
	for row := range rows {
		if header == nil {
			select {
			case header = <-headerCh:
			default:
				return nil, eris.New("csv: missing header row")
			}
		}
		out = append(out, rowToRecord(header, row))
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCSVFile parses a local CSV file with a header row.
func ReadCSVFile(ctx context.Context, path string, opts CSVOptions) (model.Batch, error) {
	if path == "" {
		return nil, eris.New("csv: path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSVRecords(ctx, f, opts)
}

func rowToRecord(header, row []string) model.Record {
	rec := make(model.Record, len(header))
	for i, col := range header {
		if i >= len(row) || row[i] == "" {
			continue
		}
		rec[col] = row[i]
	}
	return rec
}

func csvOptions(req Request) CSVOptions {
	opts := CSVOptions{TrimSpace: true, LazyQuotes: true}
	if d := accessString(req, "delimiter"); d != "" {
		opts.Delimiter = []rune(d)[0]
	}
	return opts
}
