package s3

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"

	"wiggledb/internal/blob/core"
)

func TestStore_PutPublicReadHeadDelete(t *testing.T) {
	store, rt := newMock("test-bucket")
	ctx := context.Background()
	info, err := store.Put(ctx, "abc.bed", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "text/plain", PublicRead: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "abc.bed" || info.ContentType != "text/plain" || !info.PublicRead {
		t.Fatalf("unexpected info %#v", info)
	}
	obj, ok := rt.object("abc.bed")
	if !ok {
		t.Fatalf("object not stored")
	}
	if obj.acl != "public-read" {
		t.Fatalf("expected public-read acl, got %q", obj.acl)
	}
	if string(obj.body) != "hello" {
		t.Fatalf("body mismatch %q", obj.body)
	}
	if _, err := store.Put(ctx, "abc.bed", bytes.NewReader([]byte("ignored")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if h, err := store.Head(ctx, "abc.bed"); err != nil || h.ETag != "etag123" {
		t.Fatalf("head: %v %+v", err, h)
	}
	if ok, err := store.Delete(ctx, "abc.bed"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "abc.bed"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestStore_PrivatePutHasNoACL(t *testing.T) {
	store, rt := newMock("test-bucket")
	if _, err := store.Put(context.Background(), "p.txt", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := rt.object("p.txt")
	if obj.acl != "" {
		t.Fatalf("unexpected acl %q", obj.acl)
	}
}

func TestStore_HeadMissing(t *testing.T) {
	store, _ := newMock("test-bucket")
	if _, err := store.Head(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_URL(t *testing.T) {
	aws := &Store{bucket: "wiggle", region: "eu-west-1"}
	if got := aws.URL("/x.bw"); got != "http://s3-eu-west-1.amazonaws.com/wiggle/x.bw" {
		t.Fatalf("unexpected aws url %s", got)
	}
	minio := &Store{bucket: "wiggle", region: "us-east-1", endpoint: "http://minio:9000"}
	if got := minio.URL("x.bw"); got != "http://minio:9000/wiggle/x.bw" {
		t.Fatalf("unexpected endpoint url %s", got)
	}
}

func TestStore_New(t *testing.T) {
	s, err := New(context.Background(), Config{Bucket: "bkt", Region: "us-east-1", Endpoint: "https://mock.s3.local", PathStyle: true, AccessKeyID: "AKIA", SecretAccessKey: "SECRET"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestStore_FromHeadNilBranches(t *testing.T) {
	store, _ := newMock("b")
	info := store.fromHead("k", 10, nil, aws.String("\"etagval\""), map[string]string{"x": "y"}, nil)
	if info.ETag != "etagval" || info.ContentType != "" || info.Key != "k" || info.Size != 10 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestNewMockForTestsBasic(t *testing.T) {
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
	if _, err := store.Put(context.Background(), "a.txt", bytes.NewReader([]byte("hello")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Head(context.Background(), "a.txt"); err != nil {
		t.Fatalf("head: %v", err)
	}
}

func TestDecodeChunkedHelper(t *testing.T) {
	if _, ok := decodeChunked([]byte("not-chunked")); ok {
		t.Fatalf("expected fail 1")
	}
	if _, ok := decodeChunked([]byte("5\r\nabc\r\n0\r\n")); ok {
		t.Fatalf("size mismatch should fail")
	}
	if b, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("expected decode hello")
	}
}

func TestMockRoundTripperUnsupported(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	req, _ := http.NewRequest(http.MethodPatch, "https://mock.s3.local/bucket/key", nil)
	resp, _ := rt.RoundTrip(req)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}
