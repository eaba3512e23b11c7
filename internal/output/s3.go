package output

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/model"
)

// S3Config holds object storage connection settings.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Dispatcher uploads records as JSON Lines objects. Binding config
// keys: "bucket" (overrides the default) and "key" (placeholders allowed).
type S3Dispatcher struct {
	client objectPutter
	bucket string
}

// NewS3Dispatcher connects to an S3-compatible endpoint.
func NewS3Dispatcher(cfg S3Config) (*S3Dispatcher, error) {
	if cfg.Endpoint == "" {
		return nil, eris.New("output: s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, eris.New("output: s3 access key and secret key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "output: create s3 client")
	}
	return newS3Dispatcher(mc, cfg.Bucket), nil
}

func newS3Dispatcher(c objectPutter, bucket string) *S3Dispatcher {
	if bucket == "" {
		bucket = "orchestrator"
	}
	return &S3Dispatcher{client: c, bucket: bucket}
}

// EnsureBucket creates the default bucket when missing.
func (d *S3Dispatcher) EnsureBucket(ctx context.Context) error {
	exists, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return eris.Wrapf(err, "output: check bucket %s", d.bucket)
	}
	if exists {
		return nil
	}
	if err := d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{}); err != nil {
		return eris.Wrapf(err, "output: create bucket %s", d.bucket)
	}
	zap.L().Info("output: created bucket", zap.String("bucket", d.bucket))
	return nil
}

func (d *S3Dispatcher) Dispatch(ctx context.Context, run *model.Run, binding model.OutputBinding, batch model.Batch) (model.OutputResult, error) {
	bucket := d.bucket
	if b := binding.Config["bucket"]; b != "" {
		bucket = b
	}
	key := defaultObjectName(run, binding, FormatJSONL)
	if k := binding.Config["key"]; k != "" {
		key = objectName(k, run, binding)
	}

	data, err := encodeJSONL(batch)
	if err != nil {
		return model.OutputResult{}, err
	}
	info, err := d.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
		UserMetadata: map[string]string{
			"workflow-id": run.WorkflowID,
			"run-id":      run.ID,
		},
	})
	if err != nil {
		return model.OutputResult{}, eris.Wrapf(err, "output: upload %s/%s", bucket, key)
	}

	zap.L().Debug("output: uploaded object",
		zap.String("run_id", run.ID),
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return model.OutputResult{Location: fmt.Sprintf("s3://%s/%s", bucket, key)}, nil
}
