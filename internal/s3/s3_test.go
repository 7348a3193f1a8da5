package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/taskpdf/taskpdf/internal/config"
)

func newFakeS3(t *testing.T) (*s3mem.Backend, string) {
	t.Helper()

	// Set mock AWS credentials to avoid IMDS errors.
	t.Setenv("AWS_ACCESS_KEY_ID", "mock-access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "mock-secret-key")
	t.Setenv("AWS_REGION", "us-east-1")

	mock := s3mem.New()
	if err := mock.CreateBucket("test"); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(gofakes3.New(mock).Server())
	t.Cleanup(ts.Close)

	return mock, ts.URL
}

func TestS3(t *testing.T) {
	mock, url := newFakeS3(t)
	ctx := context.Background()

	cfg := config.ObjectStorage{
		AmazonS3: &config.AmazonS3{
			Bucket: "test",
			Prefix: "artifacts",
			URL:    url,
		},
	}

	storage, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	key := ArtifactKey("acme", "A", "0123abcd")
	if key != "acme/A/0123abcd.pdf" {
		t.Fatalf("unexpected key %q", key)
	}

	if err := storage.Upload(ctx, key, []byte("%PDF artifact"), nil); err != nil {
		t.Fatalf("expected no error while uploading artifact: %v", err)
	}

	object, err := mock.GetObject("test", "artifacts/acme/A/0123abcd.pdf", nil)
	if err != nil {
		t.Fatalf("expected no error while getting object: %v", err)
	}

	contents, err := io.ReadAll(object.Contents)
	if err != nil {
		t.Fatalf("expected no error while reading object contents: %v", err)
	}

	if string(contents) != "%PDF artifact" {
		t.Fatalf("expected object contents to be '%%PDF artifact', got '%s'", contents)
	}

	reader, err := storage.Download(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	bs, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}

	if string(bs) != "%PDF artifact" {
		t.Fatalf("expected downloaded contents to be '%%PDF artifact', got '%s'", bs)
	}
}

func TestS3Metadata(t *testing.T) {
	_, url := newFakeS3(t)
	ctx := context.Background()

	storage, err := New(ctx, config.ObjectStorage{AmazonS3: &config.AmazonS3{Bucket: "test", URL: url}})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	s3Storage, ok := storage.(*AmazonS3)
	if !ok {
		t.Fatal("expected storage to be of type *AmazonS3")
	}

	content := []byte("artifact with metadata")
	key := "acme/B/ffff.pdf"
	if err := storage.Upload(ctx, key, content, map[string]string{"commit": "abc123", "empty": ""}); err != nil {
		t.Fatalf("expected no error while uploading artifact: %v", err)
	}

	output, err := s3Storage.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s3Storage.bucket,
		Key:    &key,
	})
	if err != nil {
		t.Fatalf("expected no error while getting object metadata: %v", err)
	}

	expectedHash := sha256.Sum256(content)
	if exp := hex.EncodeToString(expectedHash[:]); output.Metadata["sha256"] != exp {
		t.Errorf("expected sha256 metadata to be %q, got %q", exp, output.Metadata["sha256"])
	}

	if output.Metadata["commit"] != "abc123" {
		t.Errorf("expected commit metadata to be %q, got %q", "abc123", output.Metadata["commit"])
	}

	if _, exists := output.Metadata["empty"]; exists {
		t.Errorf("expected empty metadata to be dropped, got %q", output.Metadata["empty"])
	}
}

func TestNewWithoutStorage(t *testing.T) {
	if _, err := New(context.Background(), config.ObjectStorage{}); err == nil {
		t.Fatal("expected error")
	}
}
