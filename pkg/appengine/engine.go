// Package appengine manages the compose-app lifecycle on the device
// (spec.md §4.4): fetch, install, run, removal, and the running-state
// probe, for both the registry-backed and tree-repo-backed variants
// (spec.md §9 "App engine variants").
package appengine

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidArgument is returned by URI parsing on malformed input
// (spec.md §8 scenario 2 negative cases).
var ErrInvalidArgument = errors.New("invalid argument")

// ErrBadManifest is returned when an app manifest fails validation
// (spec.md §4.4, §7, §8 boundary behaviors).
var ErrBadManifest = errors.New("bad app manifest")

// ErrNoSpace is returned when the disk-space check in fetch fails
// (spec.md §4.4).
var ErrNoSpace = errors.New("insufficient disk space for app archive")

// App is a compose-style container bundle identified by an OCI-style URI
// (spec.md §3).
type App struct {
	Name string
	URI  AppURI

	// FetchAttempts counts fetch() calls made so far for this app within
	// the current Target install attempt (SPEC_FULL App Engine
	// supplement, grounded on original_source rootfstreemanager.cc's
	// analogous retry counter for tree pulls).
	FetchAttempts int
}

// Engine is the capability set shared by the registry-backed and
// tree-repo-backed app engine implementations (spec.md §9).
type Engine interface {
	// Fetch resolves, downloads, and extracts the app bundle, then
	// pre-pulls its container images. Returns true iff validation and
	// pre-pull both succeed.
	Fetch(ctx context.Context, app App) (bool, error)

	// Install brings the compose stack up. If noStart is true, a
	// .need_start marker is written and the stack is created but not
	// started (the caller must later call Start).
	Install(ctx context.Context, app App, noStart bool) error

	// Start runs "compose start" for a previously no-start-installed app.
	Start(ctx context.Context, app App) error

	// Run performs "compose up -d" for app.
	Run(ctx context.Context, app App) error

	// Remove tears the stack down and deletes its on-disk state on
	// success.
	Remove(ctx context.Context, app App) error

	// IsRunning reports whether enough containers are up to satisfy the
	// app's declared image count (spec.md §3 running-app test).
	IsRunning(ctx context.Context, app App) (bool, error)
}

// appPaths are the canonical on-disk locations under <apps_root>/<name>
// (spec.md §3).
type appPaths struct {
	root string
}

func newAppPaths(appsRoot, name string) appPaths {
	return appPaths{root: appsRoot + "/" + name}
}

func (p appPaths) composeFile() string   { return p.root + "/docker-compose.yml" }
func (p appPaths) uriMarker() string     { return p.root + "/.app_uri" }
func (p appPaths) needStartMarker() string { return p.root + "/.need_start" }
func (p appPaths) archivePath(shortDigest string) string {
	return p.root + "/" + shortDigest + "." + lastPathElem(p.root) + ".tgz"
}

func lastPathElem(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// defaultFetchTimeout is a ten-minute bound for one app fetch attempt.
// Neither engine applies it: a fetch runs under the caller's context alone.
const defaultFetchTimeout = 10 * time.Minute
