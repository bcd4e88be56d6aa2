package appengine

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/klauspost/compress/pgzip"
	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/executil"
)

// composeAppAnnotation is the manifest annotation a compose-app image must
// carry, and the only value spec.md §4.4 recognizes.
const composeAppAnnotation = "compose-app"

// minFreeHeadroomBytes is reserved below the free-space gate regardless of
// the archive size, mirroring the tree-repo download gate's headroom
// (spec.md §4.2) applied here for the same reason: never let an app fetch
// run a filesystem down to zero free bytes.
const minFreeHeadroomBytes = 1 << 20 // 1MiB

// RegistryEngine is the registry-backed App Engine variant (spec.md §4.4,
// §9): apps are OCI artifacts pulled from a container registry, extracted
// onto the apps root, and driven with the configured compose program.
// Adapted from the teacher's storage.Manager image-pull/cache machinery
// (pkg/storage/manager.go): the crane-based pull and keychain selection
// survive; the RouterOS tarball/docker-save conversion and volume/GC
// bookkeeping do not, since this domain extracts straight to the apps
// root and relies on the tree-repo gateway's own GC for reclaiming space.
type RegistryEngine struct {
	cfg config.AppsConfig
	reg config.RegistryConfig
	log *zap.SugaredLogger
	run *executil.Runner
	ops *opLock
}

// NewRegistryEngine constructs a RegistryEngine.
func NewRegistryEngine(cfg config.AppsConfig, reg config.RegistryConfig, log *zap.SugaredLogger) *RegistryEngine {
	return &RegistryEngine{
		cfg: cfg,
		reg: reg,
		log: log,
		run: executil.NewRunner(log),
		ops: newOpLock(log),
	}
}

var _ Engine = (*RegistryEngine)(nil)

func (e *RegistryEngine) paths(app App) appPaths { return newAppPaths(e.cfg.Root, app.Name) }

// keychainFor returns crane auth options, treating any host listed in
// RegistryConfig.LocalAddresses as needing no real credential exchange
// (mirrors the teacher's isLocalRegistry/anonymousKeychain split).
func (e *RegistryEngine) keychainFor(host string) crane.Option {
	for _, addr := range e.reg.LocalAddresses {
		if host == addr {
			return func(o *crane.Options) {
				crane.Insecure(o)
				crane.WithAuth(authn.Anonymous)(o)
			}
		}
	}
	return crane.WithAuthFromKeychain(authn.NewMultiKeychain(authn.DefaultKeychain, anonymousKeychain{}))
}

type anonymousKeychain struct{}

func (anonymousKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return authn.Anonymous, nil
}

// Fetch resolves app.URI against the registry, validates the manifest,
// checks free space, downloads the single compose-app layer, and extracts
// it onto the apps root (spec.md §4.4, §8 scenario 1/boundary behaviors).
func (e *RegistryEngine) Fetch(ctx context.Context, app App) (bool, error) {
	release := e.ops.acquire(app.Name)
	defer release()

	e.log.Debugw("fetching app", "app", app.Name, "attempt", app.FetchAttempts+1)

	ref := app.URI.Raw
	opts := []crane.Option{crane.WithContext(ctx), e.keychainFor(app.URI.Host)}

	manifest, err := crane.Manifest(ref, opts...)
	if err != nil {
		return false, fmt.Errorf("%w: fetching manifest for %s: %v", ErrBadManifest, ref, err)
	}
	if err := validateComposeManifest(manifest); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrBadManifest, ref, err)
	}

	img, err := crane.Pull(ref, opts...)
	if err != nil {
		return false, fmt.Errorf("pulling app image %s: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil || len(layers) == 0 {
		return false, fmt.Errorf("%w: %s has no layers", ErrBadManifest, ref)
	}
	layer := layers[0]

	size, err := layer.Size()
	if err != nil {
		return false, fmt.Errorf("reading layer size for %s: %w", ref, err)
	}
	paths := e.paths(app)
	if err := checkFreeSpace(e.cfg.Root, size); err != nil {
		return false, err
	}

	if err := os.MkdirAll(paths.root, 0o755); err != nil {
		return false, fmt.Errorf("creating app dir %s: %w", paths.root, err)
	}

	shortDigest := shortenDigest(app.URI.Digest.Encoded())
	archive := paths.archivePath(shortDigest)

	rc, err := layer.Compressed()
	if err != nil {
		return false, fmt.Errorf("opening layer stream for %s: %w", ref, err)
	}
	defer rc.Close()

	if err := writeArchive(archive, rc); err != nil {
		return false, fmt.Errorf("downloading app archive for %s: %w", ref, err)
	}

	if err := extractArchive(archive, paths.root); err != nil {
		os.Remove(archive)
		return false, fmt.Errorf("extracting app archive for %s: %w", ref, err)
	}
	os.Remove(archive)

	if err := os.WriteFile(paths.uriMarker(), []byte(app.URI.Raw), 0o644); err != nil {
		return false, fmt.Errorf("writing app uri marker for %s: %w", app.Name, err)
	}

	if err := validateComposeFile(paths.composeFile()); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrBadManifest, app.Name, err)
	}

	images, err := composeImageRefs(paths.composeFile())
	if err != nil {
		return false, fmt.Errorf("reading compose file for %s: %w", app.Name, err)
	}
	for _, imgRef := range images {
		pullOpts := []crane.Option{crane.WithContext(ctx)}
		if host := registryHost(imgRef); host != "" {
			pullOpts = append(pullOpts, e.keychainFor(host))
		}
		if _, err := crane.Pull(imgRef, pullOpts...); err != nil {
			e.log.Warnw("pre-pull of app image failed", "app", app.Name, "image", imgRef, "error", err)
			return false, fmt.Errorf("pre-pulling image %s for app %s: %w", imgRef, app.Name, err)
		}
	}

	e.log.Infow("app fetched", "app", app.Name, "uri", app.URI.Raw)
	return true, nil
}

// Install runs "compose up -d --no-build"; when noStart is requested it
// adds --no-start, so the stack is created without being started, and
// records the .need_start marker.
func (e *RegistryEngine) Install(ctx context.Context, app App, noStart bool) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	args := []string{"-f", paths.composeFile(), "up", "-d", "--no-build"}
	if noStart {
		args = append(args, "--no-start")
	}
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, args...); err != nil || code != 0 {
		return fmt.Errorf("installing app %s: %w", app.Name, err)
	}
	if noStart {
		if err := os.WriteFile(paths.needStartMarker(), []byte{}, 0o644); err != nil {
			return fmt.Errorf("writing need-start marker for %s: %w", app.Name, err)
		}
	}
	return nil
}

// Start runs "compose start" for an app previously installed with
// noStart=true, and clears its .need_start marker on success.
func (e *RegistryEngine) Start(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "start"); err != nil || code != 0 {
		return fmt.Errorf("starting app %s: %w", app.Name, err)
	}
	os.Remove(paths.needStartMarker())
	return nil
}

// Run performs "compose up -d" unconditionally.
func (e *RegistryEngine) Run(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "up", "-d"); err != nil || code != 0 {
		return fmt.Errorf("running app %s: %w", app.Name, err)
	}
	return nil
}

// Remove tears the compose stack down and deletes the app's on-disk state.
func (e *RegistryEngine) Remove(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "down", "-v"); err != nil || code != 0 {
		e.log.Warnw("compose down failed during remove, keeping app dir", "app", app.Name, "error", err)
		return fmt.Errorf("removing app %s: %w", app.Name, err)
	}
	if err := os.RemoveAll(paths.root); err != nil {
		return fmt.Errorf("removing app dir for %s: %w", app.Name, err)
	}
	return nil
}

// IsRunning counts uncommented "image:" lines in the app's compose file and
// compares that count to the number of running containers labelled
// com.docker.compose.project=<app> (spec.md §4.4's running-app test).
func (e *RegistryEngine) IsRunning(ctx context.Context, app App) (bool, error) {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	content, err := os.ReadFile(paths.composeFile())
	if err != nil {
		return false, fmt.Errorf("reading compose file for %s: %w", app.Name, err)
	}
	want := countImageTokens(string(content))
	if want == 0 {
		return false, nil
	}

	_, out, err := e.run.Capture(ctx, paths.root, "docker", "ps",
		"--filter", "label=com.docker.compose.project="+app.Name, "--format", "{{.ID}}")
	if err != nil {
		return false, nil
	}
	running := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) != "" {
			running++
		}
	}
	return running >= want, nil
}

// ociManifest is the minimal shape of an OCI image-manifest v1 document
// needed to validate a compose-app (spec.md §6 "App manifest").
type ociManifest struct {
	MediaType   string            `json:"mediaType"`
	Annotations map[string]string `json:"annotations"`
	Layers      []struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"layers"`
}

const ociManifestMediaType = "application/vnd.oci.image.manifest.v1+json"

func validateComposeManifest(manifestJSON string) error {
	var m ociManifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}
	if m.MediaType != "" && m.MediaType != ociManifestMediaType {
		return fmt.Errorf("unexpected manifest media type %q", m.MediaType)
	}
	if m.Annotations[composeAppAnnotation] != "v1" {
		return fmt.Errorf("manifest %q annotation = %q, want \"v1\"", composeAppAnnotation, m.Annotations[composeAppAnnotation])
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("manifest has no layers")
	}
	if m.Layers[0].Size <= 0 {
		return fmt.Errorf("manifest layer[0] has non-positive size %d", m.Layers[0].Size)
	}
	return nil
}

func shortenDigest(encoded string) string {
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}

func writeArchive(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// checkFreeSpace enforces spec.md §4.4's disk-space gate: archive size × 10
// must not exceed 80% of the filesystem's available space, with a fixed
// headroom reserved underneath it.
func checkFreeSpace(root string, archiveSize int64) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating apps root %s: %w", root, err)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", root, err)
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	usable := available - minFreeHeadroomBytes
	if usable < 0 {
		usable = 0
	}
	budget := usable * 80 / 100
	if archiveSize*10 > budget {
		return fmt.Errorf("%w: archive size %d would exceed 80%% of available space (%d bytes)", ErrNoSpace, archiveSize, budget)
	}
	return nil
}

// extractArchive extracts a gzip-compressed tar archive onto root, using
// pgzip for parallel decompression of the (typically large) app layer.
func extractArchive(archivePath, root string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		target := filepath.Join(root, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes app root", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func registryHost(imageRef string) string {
	slash := strings.Index(imageRef, "/")
	if slash < 0 {
		return ""
	}
	host := imageRef[:slash]
	if !strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost" {
		return ""
	}
	return host
}

