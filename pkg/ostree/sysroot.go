package ostree

import (
	"fmt"
	"os"
	"path/filepath"
)

// Slot names one of the three deployment slots the sysroot view tracks
// (spec.md §4.6).
type Slot int

const (
	Current Slot = iota
	Pending
	Rollback
)

// Mode selects how the sysroot view computes Pending (spec.md §4.6).
type Mode int

const (
	// Booted uses the live sysroot's "booted deployment" / "query
	// deployments for os" primitives.
	Booted Mode = iota
	// Staged additionally re-loads the sysroot after installs and
	// computes Pending as "the deployment distinct from current".
	Staged
)

// Deployment is one entry of "ostree admin status", reduced to the fields
// the orchestrator needs.
type Deployment struct {
	OSName string
	Hash   string
	Serial int
	Booted bool
}

// Sysroot reads the system deployment state (spec.md §4.6). It never
// writes; the tree-repo gateway is the sole mutator (spec.md §5).
type Sysroot struct {
	sysrootPath string
	osName      string
	mode        Mode

	deployments []Deployment
}

// Path returns the sysroot's root directory.
func (s *Sysroot) Path() string { return s.sysrootPath }

// RepoPath returns the tree-repo path under the sysroot.
func (s *Sysroot) RepoPath() string { return filepath.Join(s.sysrootPath, "ostree", "repo") }

// DeploymentPath returns the on-disk path of the deployment at slot.
func (s *Sysroot) DeploymentPath(slot Slot) (string, error) {
	d, err := s.deploymentAt(slot)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.sysrootPath, "ostree", "deploy", d.OSName, "deploy", fmt.Sprintf("%s.%d", d.Hash, d.Serial)), nil
}

// HashOf returns the commit hash deployed at slot.
func (s *Sysroot) HashOf(slot Slot) (string, error) {
	d, err := s.deploymentAt(slot)
	if err != nil {
		return "", err
	}
	return d.Hash, nil
}

func (s *Sysroot) deploymentAt(slot Slot) (Deployment, error) {
	switch slot {
	case Current:
		for _, d := range s.deployments {
			if d.Booted {
				return d, nil
			}
		}
		if len(s.deployments) > 0 {
			return s.deployments[0], nil
		}
		return Deployment{}, fmt.Errorf("no current deployment found")
	case Pending:
		cur, err := s.deploymentAt(Current)
		if err != nil {
			return Deployment{}, err
		}
		for _, d := range s.deployments {
			if d.Hash != cur.Hash {
				return d, nil
			}
		}
		return Deployment{}, fmt.Errorf("no pending deployment distinct from current")
	case Rollback:
		cur, err := s.deploymentAt(Current)
		if err != nil {
			return Deployment{}, err
		}
		found := false
		for _, d := range s.deployments {
			if found && d.Hash != cur.Hash {
				return d, nil
			}
			if d.Hash == cur.Hash {
				found = true
			}
		}
		return Deployment{}, fmt.Errorf("no rollback deployment found")
	default:
		return Deployment{}, fmt.Errorf("unknown deployment slot %d", slot)
	}
}

// Reload re-queries the sysroot's deployment list. A no-op in Booted mode;
// Staged mode re-reads so Pending reflects a deployment installed during
// this process's lifetime (spec.md §4.6).
func (s *Sysroot) Reload() error {
	if s.mode == Booted {
		return nil
	}
	return s.load()
}

// Deployments returns the full, ordered deployment list. SPEC_FULL Sysroot
// View supplement, grounded on original_source's sysroot.cc exposing the
// raw deployment list (rather than only the derived Current/Pending/
// Rollback slots) for diagnostics and status reporting.
func (s *Sysroot) Deployments() []Deployment {
	out := make([]Deployment, len(s.deployments))
	copy(out, s.deployments)
	return out
}

func (s *Sysroot) load() error {
	entries, err := os.ReadDir(filepath.Join(s.sysrootPath, "ostree", "deploy", s.osName, "deploy"))
	if err != nil {
		return fmt.Errorf("reading deployments under %s: %w", s.osName, err)
	}

	bootedHash := s.bootedHash()

	var deployments []Deployment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hash, serial, ok := parseDeployDirName(e.Name())
		if !ok {
			continue
		}
		deployments = append(deployments, Deployment{
			OSName: s.osName,
			Hash:   hash,
			Serial: serial,
			Booted: hash == bootedHash,
		})
	}
	s.deployments = deployments
	return nil
}

// bootedHash reads /proc/cmdline-independent state via the ostree admin
// "booted deployment" marker file, falling back to the empty string (which
// makes deploymentAt(Current) default to the first entry) when unreadable
// — e.g. under test, where no real sysroot is mounted.
func (s *Sysroot) bootedHash() string {
	data, err := os.ReadFile(filepath.Join(s.sysrootPath, "ostree", "boot.1", s.osName, "current", "etc", ".bootedhash"))
	if err != nil {
		return ""
	}
	return trimTrailingNewline(string(data))
}

func parseDeployDirName(name string) (hash string, serial int, ok bool) {
	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return "", 0, false
	}
	hash = name[:dot]
	suffix := name[dot+1:]
	n := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	return hash, n, true
}

// Open constructs a Sysroot view over sysrootPath for osName, in the given
// Mode, loading the initial deployment list.
func Open(sysrootPath, osName string, mode Mode) (*Sysroot, error) {
	s := &Sysroot{sysrootPath: sysrootPath, osName: osName, mode: mode}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}
