package output

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// File formats.
const (
	FormatJSONL = "jsonl"
	FormatXLSX  = "xlsx"
)

// FileDispatcher writes records under a base directory. Binding config
// keys: "path" (relative, placeholders allowed) and "format" (jsonl or
// xlsx, default jsonl).
type FileDispatcher struct {
	Dir string
}

// NewFileDispatcher creates a FileDispatcher rooted at dir.
func NewFileDispatcher(dir string) *FileDispatcher {
	return &FileDispatcher{Dir: dir}
}

func (d *FileDispatcher) Dispatch(_ context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	format := binding.Config["format"]
	if format == "" {
		format = FormatJSONL
	}
	if format != FormatJSONL && format != FormatXLSX {
		return model.OutputResult{}, eris.Errorf("output: unsupported file format %q", format)
	}

	name := defaultObjectName(run, binding, format)
	if p := binding.Config["path"]; p != "" {
		name = objectName(p, run, binding)
	}
	path := filepath.Join(d.Dir, filepath.Clean("/"+name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.OutputResult{}, eris.Wrapf(err, "output: create dir for %s", path)
	}

	var err error
	if format == FormatXLSX {
		err = writeXLSX(path, batch)
	} else {
		err = writeJSONL(path, batch)
	}
	if err != nil {
		return model.OutputResult{}, err
	}

	zap.L().Debug("output: wrote file",
		zap.String("run_id", run.ID),
		zap.String("path", path),
		zap.Int("records", len(batch)),
	)
	return model.OutputResult{Location: path}, nil
}

func writeJSONL(path string, batch model.Batch) error {
	data, err := encodeJSONL(batch)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "output: write %s", path)
	}
	return nil
}

// writeXLSX writes a single "records" sheet with a header row.
func writeXLSX(path string, batch model.Batch) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("records")
	if err != nil {
		return eris.Wrap(err, "output: add sheet")
	}
	cols := columns(batch)
	header := sheet.AddRow()
	for _, c := range cols {
		header.AddCell().SetString(c)
	}
	for _, rec := range batch {
		row := sheet.AddRow()
		for _, c := range cols {
			row.AddCell().SetString(cellString(rec[c]))
		}
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "output: save %s", path)
	}
	return nil
}
