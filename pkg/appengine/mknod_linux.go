//go:build linux

package appengine

import "golang.org/x/sys/unix"

// mknod recreates a non-regular filesystem node (device, fifo, socket) with
// the given mode bits and encoded device number.
func mknod(path string, mode uint32, rdev uint64) error {
	return unix.Mknod(path, mode, int(rdev))
}
