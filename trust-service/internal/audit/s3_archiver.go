package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver stores an encoded event envelope and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, ev *Event, body []byte) (string, error)
}

// ObjectKey is <prefix>/audit/YYYY/MM/DD/<id>.json, dated by the event time.
func ObjectKey(prefix string, ev *Event) string {
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ev.ID+".json",
	)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes events to s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<id>.json
// with SSE-S3 encryption.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys and so on).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Archiver) Archive(ctx context.Context, ev *Event, body []byte) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil event")
	}
	key := ObjectKey(s.prefix, ev)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
