package ostree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/executil"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

func TestFileExistsDirExists(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "config")
	dirPath := filepath.Join(root, "objects")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		t.Fatal(err)
	}

	if !fileExists(filePath) {
		t.Error("fileExists: expected true for a regular file")
	}
	if fileExists(dirPath) {
		t.Error("fileExists: expected false for a directory")
	}
	if fileExists(filepath.Join(root, "missing")) {
		t.Error("fileExists: expected false for a missing path")
	}

	if !dirExists(dirPath) {
		t.Error("dirExists: expected true for a directory")
	}
	if dirExists(filePath) {
		t.Error("dirExists: expected false for a regular file")
	}
}

func TestTrimTrailingNewline(t *testing.T) {
	cases := map[string]string{
		"value\n":   "value",
		"value\n\n": "value",
		"value":     "value",
		"":          "",
	}
	for in, want := range cases {
		if got := trimTrailingNewline(in); got != want {
			t.Errorf("trimTrailingNewline(%q) = %q, want %q", in, got, want)
		}
	}
}

// fakeOstreeBin writes a shell script named "ostree" into a fresh directory
// and prepends that directory to PATH, so Gateway.ConfigGet/Set/Unset's
// hardcoded "ostree" invocation resolves to the fake instead of a real
// toolchain binary.
func fakeOstreeBin(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ostree")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return &Gateway{
		path: t.TempDir(),
		run:  executil.NewRunner(testLogger()),
		log:  testLogger(),
	}
}

func TestConfigGetReturnsValueOnSuccess(t *testing.T) {
	fakeOstreeBin(t, `echo "somevalue"`)
	g := newTestGateway(t)

	val, ok, err := g.ConfigGet(context.Background(), "core", "mode")
	if err != nil {
		t.Fatalf("ConfigGet: unexpected error %v", err)
	}
	if !ok || val != "somevalue" {
		t.Fatalf("ConfigGet = (%q, %v), want (%q, true)", val, ok, "somevalue")
	}
}

func TestConfigGetMissingKeyReturnsNotFound(t *testing.T) {
	fakeOstreeBin(t, `exit 1`)
	g := newTestGateway(t)

	val, ok, err := g.ConfigGet(context.Background(), "core", "missing")
	if err != nil {
		t.Fatalf("ConfigGet: unexpected error %v", err)
	}
	if ok || val != "" {
		t.Fatalf("ConfigGet = (%q, %v), want (\"\", false)", val, ok)
	}
}

func TestConfigGetOtherFailureIsError(t *testing.T) {
	fakeOstreeBin(t, `exit 2`)
	g := newTestGateway(t)

	if _, _, err := g.ConfigGet(context.Background(), "core", "mode"); err == nil {
		t.Fatal("ConfigGet: expected an error for a non-exit-1 failure")
	}
}

func TestConfigSetAndUnset(t *testing.T) {
	fakeOstreeBin(t, `exit 0`)
	g := newTestGateway(t)

	if err := g.ConfigSet(context.Background(), "section", "key", "value"); err != nil {
		t.Fatalf("ConfigSet: unexpected error %v", err)
	}
	if err := g.ConfigUnset(context.Background(), "section", "key"); err != nil {
		t.Fatalf("ConfigUnset: unexpected error %v", err)
	}
}

func TestConfigSetFailurePropagates(t *testing.T) {
	fakeOstreeBin(t, `exit 1`)
	g := newTestGateway(t)

	err := g.ConfigSet(context.Background(), "section", "key", "value")
	if err == nil {
		t.Fatal("ConfigSet: expected an error")
	}
	if !strings.Contains(err.Error(), "section.key") {
		t.Errorf("ConfigSet error %q does not mention %q", err.Error(), "section.key")
	}
}
