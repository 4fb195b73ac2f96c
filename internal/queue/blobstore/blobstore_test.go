package blobstore_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/technobok/outbox/internal/queue/blobstore"
)

func TestPutAndGet(t *testing.T) {
	store := blobstore.New(t.TempDir(), 0)

	sum, path, err := store.Put([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 64 {
		t.Errorf("sha256 hex length = %d, want 64", len(sum))
	}
	if !filepath.IsAbs(path) {
		t.Errorf("disk path %q is not absolute", path)
	}
	if !store.Exists(path) {
		t.Errorf("blob not found at %q after Put", path)
	}

	got, err := store.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("Get() = %q, want %q", got, "hello world")
	}
}

func TestPutDedup(t *testing.T) {
	store := blobstore.New(t.TempDir(), 0)

	sum1, path1, err := store.Put([]byte("same content"))
	if err != nil {
		t.Fatal(err)
	}
	sum2, path2, err := store.Put([]byte("same content"))
	if err != nil {
		t.Fatal(err)
	}
	if sum1 != sum2 || path1 != path2 {
		t.Errorf("dedup mismatch: (%q,%q) vs (%q,%q)", sum1, path1, sum2, path2)
	}
}

func TestPutTooLarge(t *testing.T) {
	store := blobstore.New(t.TempDir(), 4)

	_, _, err := store.Put([]byte("way too big"))
	if err == nil {
		t.Fatal("expected error for oversized blob")
	}
	if _, ok := err.(*blobstore.TooLarge); !ok {
		t.Errorf("err type = %T, want *blobstore.TooLarge", err)
	}
}
