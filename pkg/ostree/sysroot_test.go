package ostree

import (
	"os"
	"path/filepath"
	"testing"
)

func makeFakeSysroot(t *testing.T, osName string, hashes []string) string {
	t.Helper()
	root := t.TempDir()
	deployDir := filepath.Join(root, "ostree", "deploy", osName, "deploy")
	if err := os.MkdirAll(deployDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, h := range hashes {
		if err := os.WriteFile(filepath.Join(deployDir, h+"."+itoa(i)), []byte{}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestSysrootDeploymentsParsed(t *testing.T) {
	root := makeFakeSysroot(t, "lmp", []string{"AAAA", "BBBB"})

	s, err := Open(root, "lmp", Booted)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deployments := s.Deployments()
	if len(deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(deployments))
	}
}

func TestSysrootPendingDistinctFromCurrent(t *testing.T) {
	root := makeFakeSysroot(t, "lmp", []string{"AAAA", "BBBB"})

	s, err := Open(root, "lmp", Staged)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cur, err := s.HashOf(Current)
	if err != nil {
		t.Fatalf("HashOf(Current): %v", err)
	}
	pending, err := s.HashOf(Pending)
	if err != nil {
		t.Fatalf("HashOf(Pending): %v", err)
	}
	if cur == pending {
		t.Fatalf("Current and Pending both resolved to %q", cur)
	}
}

func TestSysrootReloadNoOpInBootedMode(t *testing.T) {
	root := makeFakeSysroot(t, "lmp", []string{"AAAA"})

	s, err := Open(root, "lmp", Booted)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload in Booted mode should be a no-op, got error: %v", err)
	}
}
