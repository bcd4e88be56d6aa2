// Package metadata is a contract-only stub for the signed-Target metadata
// fetcher named in spec.md §1: validating and selecting the newest
// hardware-matching signed Target is delegated to an external metadata
// client whose trust-on-first-use/root-rotation semantics are out of
// scope for this agent (see spec.md Non-goals).
package metadata

import "context"

// Target is the subset of a signed Target's fields the orchestrator acts
// on (spec.md §4.5).
type Target struct {
	Name       string
	TreeHash   string
	HardwareID string
	Apps       map[string]string // app name -> app URI
	Version    int
}

// Fetcher resolves the newest hardware-matching signed Target, or reports
// that none is newer than current.
type Fetcher interface {
	// Latest returns the newest Target matching hardwareID, or ok=false
	// if currentVersion is already the newest known.
	Latest(ctx context.Context, hardwareID string, currentVersion int) (t Target, ok bool, err error)
}

// StaticFetcher is a fixed-answer Fetcher, useful for tests and for
// devices pinned to a single Target outside of a live metadata service.
type StaticFetcher struct {
	Target Target
}

func (f StaticFetcher) Latest(ctx context.Context, hardwareID string, currentVersion int) (Target, bool, error) {
	if f.Target.HardwareID != hardwareID {
		return Target{}, false, nil
	}
	if f.Target.Version <= currentVersion {
		return Target{}, false, nil
	}
	return f.Target, true, nil
}
