package fs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wiggledb/internal/blob/core"
)

func newTempStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	store, err := New(t.TempDir(), baseURL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutHeadDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t, "http://data.example.org/wiggle/")
	info, err := store.Put(ctx, "abc.bed", bytes.NewReader([]byte("chr1\t0\t10\n")), core.PutOptions{ContentType: "text/plain", PublicRead: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "abc.bed" || info.Size != 10 || !info.PublicRead {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.URL != "http://data.example.org/wiggle/abc.bed" {
		t.Fatalf("unexpected url %s", info.URL)
	}
	if _, err := store.Put(ctx, "abc.bed", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	h, err := store.Head(ctx, "abc.bed")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if h.ETag != info.ETag || h.ETag == "" {
		t.Fatalf("etag mismatch %q vs %q", h.ETag, info.ETag)
	}
	ok, err := store.Delete(ctx, "abc.bed")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "abc.bed")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, err := store.Head(ctx, "abc.bed"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PublicReadSetsMode(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t, "")
	if _, err := store.Put(ctx, "pub.txt", bytes.NewReader([]byte("a")), core.PutOptions{PublicRead: true}); err != nil {
		t.Fatalf("put public: %v", err)
	}
	if _, err := store.Put(ctx, "priv.txt", bytes.NewReader([]byte("a")), core.PutOptions{}); err != nil {
		t.Fatalf("put private: %v", err)
	}
	pub, err := os.Stat(filepath.Join(store.root, "pub.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if pub.Mode().Perm()&0o004 == 0 {
		t.Fatalf("expected world readable, got %v", pub.Mode())
	}
	priv, err := os.Stat(filepath.Join(store.root, "priv.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if priv.Mode().Perm()&0o004 != 0 {
		t.Fatalf("expected private, got %v", priv.Mode())
	}
}

func TestStore_URLWithoutBase(t *testing.T) {
	store := newTempStore(t, "")
	if got, want := store.URL("x.bw"), filepath.Join(store.root, "x.bw"); got != want {
		t.Fatalf("url %s want %s", got, want)
	}
}

func TestStore_MetadataPersistence(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t, "")
	if _, err := store.Put(ctx, "meta/data.png", bytes.NewReader([]byte("abc")), core.PutOptions{ContentType: "image/png", Metadata: map[string]string{"a": "1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, metaPath, _ := store.pathFor("meta/data.png")
	b, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !bytes.Contains(b, []byte("image/png")) {
		t.Fatalf("meta missing content type")
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStore_PutCopyError(t *testing.T) {
	store := newTempStore(t, "")
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	if _, err := os.Stat(filepath.Join(store.root, "bad.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial blob left behind: %v", err)
	}
}

func TestStore_PutCancelled(t *testing.T) {
	store := newTempStore(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "c.txt", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	for _, c := range []string{"", "../escape", "/abs", "a/../b"} {
		if _, err := sanitizeKey(c); err == nil {
			t.Fatalf("expected error for key %q", c)
		}
	}
}

func TestReadMetaUnmarshalError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.meta")
	if err := os.WriteFile(file, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readMeta(file); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath, ""); err == nil {
		t.Fatalf("expected error when root is file")
	}
}
