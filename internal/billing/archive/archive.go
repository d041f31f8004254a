// Package archive keeps raw Stripe webhook payloads in S3-compatible storage
// so events can be inspected and replayed after the fact.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

type Archive struct {
	client s3Client
	bucket string
	prefix string
}

// New returns an Archive. Without a bucket and credentials the archive is
// disabled and Put is a no-op.
func New(cfg Config) *Archive {
	a := &Archive{bucket: cfg.Bucket, prefix: cfg.Prefix}
	if cfg.Bucket != "" && cfg.AccessKey != "" && cfg.SecretKey != "" {
		a.client = newS3Client(cfg)
	}
	return a
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (a *Archive) Enabled() bool {
	return a.client != nil
}

// Key is where an event is stored: <prefix>YYYY/MM/DD/<event id>.json.
func (a *Archive) Key(eventID string, created time.Time) string {
	return a.prefix + path.Join(created.UTC().Format("2006/01/02"), eventID+".json")
}

// Put stores payload and returns its key.
func (a *Archive) Put(ctx context.Context, eventID, eventType string, created time.Time, payload []byte) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	key := a.Key(eventID, created)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		Metadata:      map[string]string{"event-type": eventType},
	})
	if err != nil {
		return "", fmt.Errorf("put webhook payload %s: %w", key, err)
	}
	return key, nil
}

func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if !a.Enabled() {
		return nil, fmt.Errorf("webhook archive not configured")
	}

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get webhook payload %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read webhook payload %s: %w", key, err)
	}
	return data, nil
}
