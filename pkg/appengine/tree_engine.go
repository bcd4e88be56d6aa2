package appengine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/executil"
)

// TreeCheckout is the subset of the tree-repo gateway the App Tree engine
// variant needs: pull a remote branch/commit and check a subpath of it out
// onto disk (spec.md §4.1, §4.4 "App-from-tree-repo variant").
type TreeCheckout interface {
	Pull(ctx context.Context, remote, branch, commit string) error
	Checkout(ctx context.Context, commit, subpath, destPath string) error
}

// TreeEngine is the App Tree variant: apps live as a subtree of the
// device's content-addressed tree-repo instead of as independent OCI
// artifacts (spec.md §4.4, §8 scenario 5). Grounded on the same pull/
// checkout shape as the registry engine's fetch but replacing the
// crane pull with a tree-repo checkout of /apps, /images, /.whiteouts.
type TreeEngine struct {
	cfg  config.AppsConfig
	tree TreeCheckout
	log  *zap.SugaredLogger
	run  *executil.Runner
	ops  *opLock
}

// NewTreeEngine constructs a TreeEngine over an already-opened tree-repo
// gateway.
func NewTreeEngine(cfg config.AppsConfig, tree TreeCheckout, log *zap.SugaredLogger) *TreeEngine {
	return &TreeEngine{
		cfg:  cfg,
		tree: tree,
		log:  log,
		run:  executil.NewRunner(log),
		ops:  newOpLock(log),
	}
}

var _ Engine = (*TreeEngine)(nil)

func (e *TreeEngine) paths(app App) appPaths { return newAppPaths(e.cfg.Root, app.Name) }

// whiteoutEntry is one line of the whiteouts manifest: a relative path, its
// mode bits, and (for device nodes) its encoded rdev.
type whiteoutEntry struct {
	relPath string
	mode    uint32
	rdev    uint64
}

// Fetch pulls the app's commit from the tree-repo, checks out /apps,
// /images, and /.whiteouts under the app root, then recreates the
// non-regular nodes the whiteouts manifest describes (spec.md §4.4).
func (e *TreeEngine) Fetch(ctx context.Context, app App) (bool, error) {
	release := e.ops.acquire(app.Name)
	defer release()

	e.log.Debugw("fetching app tree", "app", app.Name, "attempt", app.FetchAttempts+1)

	commit := app.URI.Digest.Encoded()
	if err := e.tree.Pull(ctx, app.URI.Host, app.URI.Repo, commit); err != nil {
		return false, fmt.Errorf("pulling app tree for %s: %w", app.Name, err)
	}

	paths := e.paths(app)
	if err := os.MkdirAll(paths.root, 0o755); err != nil {
		return false, fmt.Errorf("creating app dir %s: %w", paths.root, err)
	}

	imagesDir := filepath.Join(paths.root, "images")

	if err := e.tree.Checkout(ctx, commit, "/apps", paths.root); err != nil {
		return false, fmt.Errorf("checking out /apps for %s: %w", app.Name, err)
	}
	if err := e.tree.Checkout(ctx, commit, "/images", imagesDir); err != nil {
		return false, fmt.Errorf("checking out /images for %s: %w", app.Name, err)
	}
	// Spec-mandated checkout destination is images_dir for /.whiteouts too,
	// not a separate directory (spec.md §4.4 App-from-tree-repo variant).
	if err := e.tree.Checkout(ctx, commit, "/.whiteouts", imagesDir); err != nil {
		return false, fmt.Errorf("checking out /.whiteouts for %s: %w", app.Name, err)
	}

	entries, err := parseWhiteouts(filepath.Join(imagesDir, ".whiteouts"))
	if err != nil {
		return false, fmt.Errorf("parsing whiteouts manifest for %s: %w", app.Name, err)
	}
	if err := applyWhiteouts(imagesDir, entries); err != nil {
		return false, fmt.Errorf("applying whiteouts for %s: %w", app.Name, err)
	}

	if err := os.WriteFile(paths.uriMarker(), []byte(app.URI.Raw), 0o644); err != nil {
		return false, fmt.Errorf("writing app uri marker for %s: %w", app.Name, err)
	}
	if err := validateComposeFile(paths.composeFile()); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrBadManifest, app.Name, err)
	}

	e.log.Infow("app tree fetched", "app", app.Name, "commit", commit)
	return true, nil
}

func (e *TreeEngine) Install(ctx context.Context, app App, noStart bool) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	args := []string{"-f", paths.composeFile(), "up", "-d"}
	if noStart {
		args = append(args, "--no-start")
	}
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, args...); err != nil || code != 0 {
		return fmt.Errorf("installing app %s: %w", app.Name, err)
	}
	if noStart {
		return os.WriteFile(paths.needStartMarker(), []byte{}, 0o644)
	}
	return nil
}

func (e *TreeEngine) Start(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "start"); err != nil || code != 0 {
		return fmt.Errorf("starting app %s: %w", app.Name, err)
	}
	os.Remove(paths.needStartMarker())
	return nil
}

func (e *TreeEngine) Run(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "up", "-d"); err != nil || code != 0 {
		return fmt.Errorf("running app %s: %w", app.Name, err)
	}
	return nil
}

func (e *TreeEngine) Remove(ctx context.Context, app App) error {
	release := e.ops.acquire(app.Name)
	defer release()

	paths := e.paths(app)
	if code, err := e.run.Stream(ctx, paths.root, e.cfg.ComposeProgram, "-f", paths.composeFile(), "down", "-v"); err != nil || code != 0 {
		e.log.Warnw("compose down failed during remove, keeping app dir", "app", app.Name, "error", err)
		return fmt.Errorf("removing app %s: %w", app.Name, err)
	}
	return os.RemoveAll(paths.root)
}

func (e *TreeEngine) IsRunning(ctx context.Context, app App) (bool, error) {
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

// parseWhiteouts reads the whiteouts manifest file: one entry per line,
// exactly three space-separated fields "<relpath> <mode> <rdev>". Any
// malformed line aborts the whole parse (spec.md §8 scenario 5).
func parseWhiteouts(path string) ([]whiteoutEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []whiteoutEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed whiteouts entry at line %d: want 3 fields, got %d", lineNo, len(fields))
		}
		mode, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed mode field at line %d: %w", lineNo, err)
		}
		rdev, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed rdev field at line %d: %w", lineNo, err)
		}
		entries = append(entries, whiteoutEntry{relPath: fields[0], mode: uint32(mode), rdev: rdev})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// applyWhiteouts recreates the non-regular filesystem nodes a tree
// checkout cannot represent directly (device nodes, fifos) under root.
// Device-node creation requires CAP_MKNOD; failures here are returned to
// the caller rather than silently skipped, since a missing device node can
// break app startup.
func applyWhiteouts(root string, entries []whiteoutEntry) error {
	for _, ent := range entries {
		target := filepath.Join(root, ent.relPath)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent dir for whiteout %s: %w", ent.relPath, err)
		}
		if err := mknod(target, ent.mode, ent.rdev); err != nil {
			return fmt.Errorf("recreating whiteout node %s: %w", ent.relPath, err)
		}
	}
	return nil
}
