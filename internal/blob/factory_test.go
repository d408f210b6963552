package blob

import (
	"bytes"
	"context"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Options{FSRoot: t.TempDir(), BaseURL: "http://example.org/data"})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected fs default, got %s", fsStore.Driver())
	}
	if got := fsStore.URL("a.bed"); got != "http://example.org/data/a.bed" {
		t.Fatalf("unexpected url %s", got)
	}

	mem, err := Open(ctx, Options{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := mem.Put(ctx, "k", bytes.NewReader([]byte("v")), PutOptions{PublicRead: true}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s3Store, err := Open(ctx, Options{Driver: "s3", S3: S3Config{Bucket: "bkt", Region: "eu-west-2", AccessKeyID: "AKIA", SecretAccessKey: "SECRET"}})
	if err != nil {
		t.Fatalf("open s3: %v", err)
	}
	if got := s3Store.URL("x.bw"); got != "http://s3-eu-west-2.amazonaws.com/bkt/x.bw" {
		t.Fatalf("unexpected s3 url %s", got)
	}

	if _, err := Open(ctx, Options{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestMockS3IsUsable(t *testing.T) {
	store := NewMockS3ForTests()
	if _, err := store.Put(context.Background(), "a.txt", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
}
