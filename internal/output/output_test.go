package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/orchestrator/internal/model"
)

func testRun() *model.Run {
	return &model.Run{ID: "run-1", WorkflowID: "wf-1"}
}

func testBatch() model.Batch {
	return model.Batch{
		{"id": "1", "name": "Acme", model.FieldSource: "crm"},
		{"id": "2", "name": "Globex", "score": 0.5, model.FieldSource: "crm"},
	}
}

type stubDispatcher struct {
	got model.Batch
	err error
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ *model.Run, _ model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	s.got = batch
	return model.OutputResult{Location: "stub"}, s.err
}

func TestRegistry_StripsMetadata(t *testing.T) {
	stub := &stubDispatcher{}
	r := NewRegistry()
	r.Register(model.OutputLog, stub)

	res, err := r.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "main", Type: model.OutputLog}, testBatch())
	require.NoError(t, err)
	assert.Equal(t, model.OutputResult{Name: "main", Type: "log", Records: 2, Location: "stub"}, res)
	for _, rec := range stub.got {
		assert.NotContains(t, rec, model.FieldSource)
	}
	assert.Equal(t, []model.OutputType{model.OutputLog}, r.Types())
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "x", Type: model.OutputS3}, testBatch())
	assert.True(t, eris.Is(err, ErrUnknownType))

	r.Register(model.OutputLog, &stubDispatcher{err: eris.New("boom")})
	res, err := r.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "x", Type: model.OutputLog}, testBatch())
	require.Error(t, err)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, 2, res.Records)
}

func TestFileDispatcher_JSONL(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDispatcher(dir)

	res, err := d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "main"}, testBatch().Stripped())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "wf-1", "run-1-main.jsonl"), res.Location)

	data, err := os.ReadFile(res.Location)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, map[string]any{"id": "1", "name": "Acme"}, first)
}

func TestFileDispatcher_XLSXWithPath(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDispatcher(dir)
	binding := model.OutputBinding{Name: "sheet", Config: map[string]string{
		"format": "xlsx",
		"path":   "exports/{workflow}/{run}.xlsx",
	}}

	res, err := d.Dispatch(context.Background(), testRun(), binding, testBatch().Stripped())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "exports", "wf-1", "run-1.xlsx"), res.Location)

	f, err := xlsx.OpenFile(res.Location)
	require.NoError(t, err)
	sheet := f.Sheet["records"]
	require.NotNil(t, sheet)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "id", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "name", sheet.Rows[0].Cells[1].String())
	assert.Equal(t, "score", sheet.Rows[0].Cells[2].String())
	assert.Equal(t, "Globex", sheet.Rows[2].Cells[1].String())
	assert.Equal(t, "0.5", sheet.Rows[2].Cells[2].String())
}

func TestFileDispatcher_UnsupportedFormat(t *testing.T) {
	d := NewFileDispatcher(t.TempDir())
	_, err := d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "x", Config: map[string]string{"format": "parquet"}}, nil)
	assert.Error(t, err)
}

type fakeBucket struct {
	exists bool
	made   string
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	putErr error
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeBucket) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = bucket
	return nil
}

func (f *fakeBucket) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	f.bucket, f.key, f.opts = bucket, key, opts
	f.body, _ = io.ReadAll(r)
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestS3Dispatcher(t *testing.T) {
	fb := &fakeBucket{}
	d := newS3Dispatcher(fb, "exports")

	require.NoError(t, d.EnsureBucket(context.Background()))
	assert.Equal(t, "exports", fb.made)

	res, err := d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "main"}, testBatch().Stripped())
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/wf-1/run-1-main.jsonl", res.Location)
	assert.Equal(t, "application/x-ndjson", fb.opts.ContentType)
	assert.Equal(t, "run-1", fb.opts.UserMetadata["run-id"])
	assert.Equal(t, 2, bytes.Count(fb.body, []byte("\n")))

	res, err = d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "alt", Config: map[string]string{
		"bucket": "other", "key": "daily/{output}.jsonl",
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3://other/daily/alt.jsonl", res.Location)

	fb.putErr = eris.New("denied")
	_, err = d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "main"}, nil)
	assert.ErrorContains(t, err, "denied")
}

func TestNewS3Dispatcher_RequiresCredentials(t *testing.T) {
	_, err := NewS3Dispatcher(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Dispatcher(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	res, err := d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "main", Config: map[string]string{"sample": "1"}}, testBatch().Stripped())
	require.NoError(t, err)
	assert.Equal(t, "log", res.Location)

	entries := logs.FilterMessage("output: records").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["records"])
	assert.Len(t, fields["sample"], 1)
}

func TestWebhookDispatcher(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.Client())
	binding := model.OutputBinding{Name: "hook", Config: map[string]string{"url": srv.URL, "token": "secret"}}
	res, err := d.Dispatch(context.Background(), testRun(), binding, testBatch().Stripped())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, res.Location)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Count)
	assert.Len(t, got.Records, 2)
}

func TestWebhookDispatcher_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(nil)
	_, err := d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "hook"}, nil)
	assert.ErrorContains(t, err, "url is required")

	_, err = d.Dispatch(context.Background(), testRun(), model.OutputBinding{Name: "hook", Config: map[string]string{"url": srv.URL}}, nil)
	assert.ErrorContains(t, err, "status 502")
}
