// Package registryclient fetches App manifests and archives from an OCI
// registry (spec.md §4's Registry Client, §6 "App manifest"/"App archive"),
// backed by a local on-disk cache so a repeated fetch of the same digest
// never re-hits the network.
package registryclient

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache provides on-disk storage for OCI blobs and manifests pulled by the
// registry client. Directory structure:
//
//	<root>/
//	  blobs/
//	    sha256/
//	      <hex digest>          — raw blob data
//	  manifests/
//	    <repo>/
//	      <tag or digest>.json  — manifest data
//	      <tag or digest>.json.type  — content-type metadata
//
// Adapted from the teacher's registry.BlobStore (pkg/registry/store.go),
// kept nearly as-is: the on-disk blob/manifest cache shape is domain
// agnostic and exactly what a registry client needs here too. Dropped
// ListRepositories, which existed to back the teacher's embedded registry
// HTTP server's catalog endpoint — this agent never serves a registry, only
// consumes one.
type Cache struct {
	root string
	mu   sync.RWMutex
}

// NewCache creates an on-disk cache rooted at root.
func NewCache(root string) (*Cache, error) {
	for _, dir := range []string{
		filepath.Join(root, "blobs", "sha256"),
		filepath.Join(root, "manifests"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	return &Cache{root: root}, nil
}

// GetBlob returns the raw data for a blob by its digest (e.g. "sha256:abc123").
func (c *Cache) GetBlob(digest string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return os.ReadFile(c.blobPath(digest))
}

// HasBlob reports whether a blob is cached and returns its size.
func (c *Cache) HasBlob(digest string) (exists bool, size int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := os.Stat(c.blobPath(digest))
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

// PutBlob stores blob data from a reader, keyed by digest.
func (c *Cache) PutBlob(digest string, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}

// GetManifest returns the manifest data and content type for a repo/reference.
func (c *Cache) GetManifest(repo, ref string) (data []byte, contentType string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dataPath := c.manifestPath(repo, ref)
	typePath := dataPath + ".type"

	data, err = os.ReadFile(dataPath)
	if err != nil {
		return nil, "", err
	}

	typeBytes, err := os.ReadFile(typePath)
	if err != nil {
		contentType = "application/vnd.oci.image.manifest.v1+json"
	} else {
		contentType = string(typeBytes)
	}

	return data, contentType, nil
}

// PutManifest stores a manifest for a repo/reference with its content type.
func (c *Cache) PutManifest(repo, ref, contentType string, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataPath := c.manifestPath(repo, ref)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return err
	}

	if contentType != "" {
		if err := os.WriteFile(dataPath+".type", []byte(contentType), 0o644); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) blobPath(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return filepath.Join(c.root, "blobs", "sha256", digest)
	}
	return filepath.Join(c.root, "blobs", parts[0], parts[1])
}

func (c *Cache) manifestPath(repo, ref string) string {
	safe := strings.ReplaceAll(ref, ":", "-")
	return filepath.Join(c.root, "manifests", repo, safe+".json")
}
