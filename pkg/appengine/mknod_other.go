//go:build !linux

package appengine

import "fmt"

// mknod is unsupported on non-Linux build targets; this agent only ever
// runs on Linux devices, so this stub exists solely to keep the package
// buildable when cross-compiling tooling (e.g. `go vet ./...` from a
// non-Linux workstation).
func mknod(path string, mode uint32, rdev uint64) error {
	return fmt.Errorf("mknod unsupported on this platform: %s", path)
}
