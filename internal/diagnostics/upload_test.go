package diagnostics

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db/dbtest"
)

// mockS3Client implements S3API for testing.
type mockS3Client struct {
	objects map[string][]byte
	putErr  error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	database := dbtest.NewTestDB(t)
	cfg := &config.Config{Port: 3333, DBType: "sqlite", Env: "development"}
	return NewCollector(database, cfg, nil, time.Now())
}

func TestUploadShipsTarGzBundle(t *testing.T) {
	collector := newTestCollector(t)
	mock := newMockS3Client()
	uploader := NewS3UploaderWithClient(mock, "support-bundles", "relaydesk/")

	key, err := uploader.Upload(context.Background(), collector)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(key, "relaydesk/") || !strings.HasSuffix(key, "-diagnostics.tar.gz") {
		t.Errorf("key = %q, want relaydesk/<timestamp>-diagnostics.tar.gz", key)
	}

	data, ok := mock.objects[key]
	if !ok {
		t.Fatalf("no object stored under %q", key)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	tr := tar.NewReader(gzr)
	header, err := tr.Next()
	if err != nil {
		t.Fatalf("tar.Next: %v", err)
	}
	if header.Name != "diagnostics/bundle.json" {
		t.Errorf("archive entry = %q, want diagnostics/bundle.json", header.Name)
	}
}

func TestUploadPropagatesPutError(t *testing.T) {
	collector := newTestCollector(t)
	mock := newMockS3Client()
	mock.putErr = errors.New("access denied")
	uploader := NewS3UploaderWithClient(mock, "support-bundles", "")

	if _, err := uploader.Upload(context.Background(), collector); err == nil {
		t.Fatal("expected error from PutObject")
	}
}
