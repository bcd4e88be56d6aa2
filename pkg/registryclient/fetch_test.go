package registryclient

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/config"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

func newTestClient(t *testing.T, cfg config.RegistryConfig) *Client {
	t.Helper()
	c, err := New(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// A cache hit must short-circuit Manifest/Blob before any network call is
// attempted, so these tests never touch the network despite exercising the
// real fetch methods.

func TestManifestCacheHitSkipsNetwork(t *testing.T) {
	c := newTestClient(t, config.RegistryConfig{})
	manifest := []byte(`{"schemaVersion":2}`)
	if err := c.cache.PutManifest("factory/shellhttpd", "latest", "application/vnd.oci.image.manifest.v1+json", bytes.NewReader(manifest)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	data, ct, err := c.Manifest(context.Background(), "hub.foundries.io/factory/shellhttpd:latest")
	if err != nil {
		t.Fatalf("Manifest: unexpected error %v (should have been served from cache)", err)
	}
	if !bytes.Equal(data, manifest) {
		t.Fatalf("Manifest data = %q, want %q", data, manifest)
	}
	if ct != "application/vnd.oci.image.manifest.v1+json" {
		t.Fatalf("Manifest contentType = %q", ct)
	}
}

func TestManifestRejectsMalformedReference(t *testing.T) {
	c := newTestClient(t, config.RegistryConfig{})
	if _, _, err := c.Manifest(context.Background(), "   not a reference   "); err == nil {
		t.Fatal("Manifest: expected a parse error for a malformed reference")
	}
}

func TestBlobCacheHitSkipsNetwork(t *testing.T) {
	c := newTestClient(t, config.RegistryConfig{})
	digest := "sha256:" + hashLikeString("app-archive-contents")
	want := []byte("app archive contents")
	if err := c.cache.PutBlob(digest, bytes.NewReader(want)); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	rc, err := c.Blob(context.Background(), "hub.foundries.io/factory/shellhttpd", digest)
	if err != nil {
		t.Fatalf("Blob: unexpected error %v (should have been served from cache)", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Blob data = %q, want %q", got, want)
	}
}

func TestKeychainPrefersAnonymousForLocalAddresses(t *testing.T) {
	c := newTestClient(t, config.RegistryConfig{LocalAddresses: []string{"localhost:5000"}})

	localKeychain := c.keychain("localhost:5000")
	remoteKeychain := c.keychain("hub.foundries.io")

	if localKeychain == nil || remoteKeychain == nil {
		t.Fatal("keychain() returned nil")
	}

	repo, err := name.NewRepository("localhost:5000/factory/shellhttpd")
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	auth, err := localKeychain.Resolve(repo)
	if err != nil {
		t.Fatalf("resolving local keychain: %v", err)
	}
	if auth != authn.Anonymous {
		t.Fatalf("local keychain resolved %v, want authn.Anonymous", auth)
	}
}

func TestTokenFailsWithoutCredentials(t *testing.T) {
	c := newTestClient(t, config.RegistryConfig{LocalAddresses: []string{"localhost:5000"}})

	if _, err := c.Token(context.Background(), "localhost:5000", "factory/shellhttpd"); err == nil {
		t.Fatal("Token: expected an error when no bearer token is available for an anonymous-only host")
	}
}

// hashLikeString produces a 64-hex-character string so digest-shaped values
// parse the same way a real sha256 digest would.
func hashLikeString(seed string) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i := range out {
		out[i] = hexDigits[int(seed[i%len(seed)])%16]
	}
	return string(out)
}
