// Package bootloader implements the Bootloader Rollback Controller
// (spec.md §4.3): a small tagged-enum dispatch over the bootloader ABI
// variants a device may ship, each driving its own set of environment
// variable writes through a shared side-effectful primitive.
package bootloader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/executil"
)

// Mode selects the bootloader ABI variant (spec.md §4.3).
type Mode int

const (
	None Mode = iota
	GenericUboot
	MaskedUboot
	Verified
)

func parseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return None, nil
	case "generic":
		return GenericUboot, nil
	case "masked":
		return MaskedUboot, nil
	case "verified":
		return Verified, nil
	default:
		return 0, fmt.Errorf("unknown bootloader mode %q", s)
	}
}

// Controller dispatches mark-boot-ok / notify-update-staged /
// notify-install-for-target to the configured ABI variant.
type Controller struct {
	mode Mode
	cfg  config.BootloaderConfig
	run  *executil.Runner
	log  *zap.SugaredLogger
}

// New constructs a Controller, failing immediately if the configured mode
// is not one of the four known variants (spec.md §4.3 "An unknown mode
// must cause the controller to fail explicitly on any call" — enforced
// eagerly here rather than deferred to first use, since the mode can never
// become valid later in the process lifetime).
func New(cfg config.BootloaderConfig, log *zap.SugaredLogger) (*Controller, error) {
	mode, err := parseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Controller{mode: mode, cfg: cfg, run: executil.NewRunner(log), log: log}, nil
}

// MarkBootOk marks the current boot as successful, clearing any pending
// rollback trigger for the current deployment (spec.md §4.3 table).
func (c *Controller) MarkBootOk(ctx context.Context) {
	switch c.mode {
	case None:
	case GenericUboot:
		c.writeVar(ctx, "bootcount", "0")
	case MaskedUboot:
		c.writeVar(ctx, "bootcount", "0")
		c.writeVar(ctx, "upgrade_available", "0")
	case Verified:
		c.writeVar(ctx, "bootcount", "0")
		c.writeVar(ctx, "upgrade_available", "0")
	}
}

// NotifyUpdateStaged arms the bootloader to attempt the newly staged
// deployment on next boot, with a rollback trigger if it fails to report
// health (spec.md §4.3 table).
func (c *Controller) NotifyUpdateStaged(ctx context.Context) {
	switch c.mode {
	case None:
	case GenericUboot:
		c.writeVar(ctx, "bootcount", "0")
		c.writeVar(ctx, "rollback", "0")
	case MaskedUboot:
		c.writeVar(ctx, "bootcount", "0")
		c.writeVar(ctx, "upgrade_available", "1")
		c.writeVar(ctx, "rollback", "0")
	case Verified:
		c.writeVar(ctx, "bootcount", "0")
		c.writeVar(ctx, "upgrade_available", "1")
		c.writeVar(ctx, "rollback", "0")
		c.writeVar(ctx, "bootupgrade_available", "1")
	}
}

// NotifyInstallForTarget notifies the bootloader which target is being
// installed (spec.md §4.3 table). Grounded on
// original_source/src/bootloader/rollbacks/{generic,masked,fiovb}.h, where
// installNotify is a no-op across every variant currently implemented.
func (c *Controller) NotifyInstallForTarget(ctx context.Context, target string) {
	switch c.mode {
	case None, GenericUboot, MaskedUboot, Verified:
	}
}

// writeVar is the shared side-effectful "write environment variable"
// primitive (spec.md §4.3): a failure is logged but never aborts the
// caller, and every write must be idempotent under repeated invocation
// (fw_setenv key=value naturally satisfies this).
func (c *Controller) writeVar(ctx context.Context, key, value string) {
	tool := c.cfg.FwSetenvPath
	if c.mode == Verified && c.cfg.FiovbToolPath != "" {
		tool = c.cfg.FiovbToolPath
	}
	if tool == "" {
		tool = "fw_setenv"
	}
	if code, _, err := c.run.Capture(ctx, "", tool, key, value); err != nil || code != 0 {
		c.log.Warnw("bootloader environment write failed", "tool", tool, "key", key, "value", value, "error", err)
	}
}
