package bootloader

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/foundriesio/aklite-go/pkg/config"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.BootloaderConfig{Mode: "not-a-real-mode"}, testLogger()); err == nil {
		t.Fatal("expected an error for an unknown bootloader mode")
	}
}

func TestNewAcceptsKnownModes(t *testing.T) {
	for _, mode := range []string{"", "none", "generic", "masked", "verified"} {
		if _, err := New(config.BootloaderConfig{Mode: mode, FwSetenvPath: "/bin/true"}, testLogger()); err != nil {
			t.Errorf("New(mode=%q): unexpected error %v", mode, err)
		}
	}
}

func TestNoneModeDoesNotInvokeFwSetenv(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c, err := New(config.BootloaderConfig{Mode: "none", FwSetenvPath: "/does/not/exist"}, zap.New(core).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	// Running /does/not/exist fails, and writeVar logs that failure as a
	// warning; None must never call the underlying tool at all, so no
	// warning may be logged.
	ctx := context.Background()
	c.MarkBootOk(ctx)
	c.NotifyUpdateStaged(ctx)
	c.NotifyInstallForTarget(ctx, "sha256-deadbeef")
	if n := logs.Len(); n != 0 {
		t.Fatalf("None mode invoked the environment tool: %d warning(s) logged", n)
	}
}

func TestNotifyInstallForTargetDoesNotPanicForAnyMode(t *testing.T) {
	for _, mode := range []string{"none", "generic", "masked", "verified"} {
		c, err := New(config.BootloaderConfig{Mode: mode, FwSetenvPath: "/bin/true"}, testLogger())
		if err != nil {
			t.Fatalf("New(mode=%q): %v", mode, err)
		}
		c.NotifyInstallForTarget(context.Background(), "sha256-deadbeef")
	}
}
