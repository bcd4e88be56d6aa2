// Package versions implements the Installed-Versions Store (spec.md
// §4.7): a JSON mapping from Target name to its tree/app hashes,
// current-ness flag, and opaque custom data, written as whole-file
// crash-safe replacements.
package versions

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/foundriesio/aklite-go/pkg/fsutil"
)

// Entry is one Target's row in the store.
type Entry struct {
	Hashes    map[string]string `json:"hashes"`
	IsCurrent bool              `json:"is_current"`
	Custom    json.RawMessage   `json:"custom,omitempty"`

	// CorrelationID stamps the update attempt that produced this row, so
	// it can be cross-referenced against report-queue events for the same
	// attempt (SPEC_FULL ambient IDs supplement). Left empty by callers
	// that don't track correlation IDs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Store is the whole-file JSON mapping of Target name to Entry.
type Store struct {
	path    string
	entries map[string]Entry
}

// Load reads the store from path. A missing file is treated as an empty,
// newly initialized store; any other read or parse error is a corrupted
// file and is surfaced rather than silently discarded or replaced (spec.md
// §4.7, §6).
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{path: path, entries: make(map[string]Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading installed-versions store %s: %w", path, err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupted installed-versions store %s: %w", path, err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	return &Store{path: path, entries: entries}, nil
}

// Get returns the entry for targetName, if present.
func (s *Store) Get(targetName string) (Entry, bool) {
	e, ok := s.entries[targetName]
	return e, ok
}

// All returns a copy of the full target-name → entry mapping.
func (s *Store) All() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Put writes (or overwrites) the entry for targetName and persists the
// store to disk.
func (s *Store) Put(targetName string, entry Entry) error {
	s.entries[targetName] = entry
	return s.save()
}

// SetCurrent marks targetName as the sole current=true row, clearing the
// flag on every other entry, and persists the result (spec.md §4.5
// Finalizing → Idle transition).
func (s *Store) SetCurrent(targetName string) error {
	if _, ok := s.entries[targetName]; !ok {
		return fmt.Errorf("SetCurrent: unknown target %q", targetName)
	}
	for name, e := range s.entries {
		e.IsCurrent = name == targetName
		s.entries[name] = e
	}
	return s.save()
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling installed-versions store: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o644)
}
