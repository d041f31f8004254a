package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	m.metadata[*input.Key] = input.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(string(data))),
	}, nil
}

type s3NotFound struct{}

func (e *s3NotFound) Error() string { return "NoSuchKey" }

func TestDisabledWithoutCredentials(t *testing.T) {
	a := New(Config{Bucket: "webhooks"})
	if a.Enabled() {
		t.Fatal("expected archive to be disabled")
	}

	key, err := a.Put(context.Background(), "evt_1", "invoice.paid", time.Now(), []byte(`{}`))
	if err != nil || key != "" {
		t.Errorf("Put on disabled archive = (%q, %v), want no-op", key, err)
	}
	if _, err := a.Get(context.Background(), "any"); err == nil {
		t.Error("expected error reading from disabled archive")
	}
}

func TestEnabledWithCredentials(t *testing.T) {
	a := New(Config{Bucket: "webhooks", AccessKey: "key", SecretKey: "secret", Region: "auto"})
	if !a.Enabled() {
		t.Fatal("expected archive to be enabled")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	mock := newMockS3()
	a := &Archive{client: mock, bucket: "webhooks", prefix: "stripe/"}
	created := time.Date(2026, 10, 18, 23, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	key, err := a.Put(context.Background(), "evt_123", "invoice.payment_succeeded", created, []byte(`{"id":"evt_123"}`))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "stripe/2026/10/18/evt_123.json" {
		t.Errorf("key = %q", key)
	}
	if got := mock.metadata[key]["event-type"]; got != "invoice.payment_succeeded" {
		t.Errorf("event-type metadata = %q", got)
	}

	data, err := a.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"id":"evt_123"}` {
		t.Errorf("payload = %s", data)
	}
}

func TestPutError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("bucket unavailable")
	a := &Archive{client: mock, bucket: "webhooks"}

	if _, err := a.Put(context.Background(), "evt_1", "x", time.Now(), []byte(`{}`)); err == nil {
		t.Fatal("expected put error")
	}
}

func TestGetMissing(t *testing.T) {
	a := &Archive{client: newMockS3(), bucket: "webhooks"}
	if _, err := a.Get(context.Background(), "missing.json"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
