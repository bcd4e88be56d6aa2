package registryclient

import (
	"bytes"
	"testing"
)

func TestCacheBlobRoundTrip(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	digest := "sha256:" + "a"
	want := []byte("hello app archive")
	if err := cache.PutBlob(digest, bytes.NewReader(want)); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	exists, size := cache.HasBlob(digest)
	if !exists || size != int64(len(want)) {
		t.Fatalf("HasBlob = (%v, %d), want (true, %d)", exists, size, len(want))
	}

	got, err := cache.GetBlob(digest)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("GetBlob = %q, want %q", got, want)
	}
}

func TestCacheBlobMiss(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if exists, _ := cache.HasBlob("sha256:doesnotexist"); exists {
		t.Fatal("HasBlob reported a blob that was never stored")
	}
	if _, err := cache.GetBlob("sha256:doesnotexist"); err == nil {
		t.Fatal("GetBlob on a missing digest should return an error")
	}
}

func TestCacheManifestRoundTrip(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	manifest := []byte(`{"schemaVersion":2}`)
	if err := cache.PutManifest("factory/shellhttpd", "sha256:abc", "application/vnd.oci.image.manifest.v1+json", bytes.NewReader(manifest)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	data, ct, err := cache.GetManifest("factory/shellhttpd", "sha256:abc")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if !bytes.Equal(data, manifest) {
		t.Fatalf("GetManifest data = %q, want %q", data, manifest)
	}
	if ct != "application/vnd.oci.image.manifest.v1+json" {
		t.Fatalf("GetManifest contentType = %q", ct)
	}
}

func TestCacheManifestDefaultContentType(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.PutManifest("factory/app", "latest", "", bytes.NewReader([]byte("{}"))); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	_, ct, err := cache.GetManifest("factory/app", "latest")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if ct == "" {
		t.Fatal("expected a default content type when none was stored")
	}
}
