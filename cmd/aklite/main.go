// Command aklite is the edge update agent's CLI front end (spec.md §1):
// a thin cobra.Command tree that wires the tree-repo gateway, sysroot
// view, bootloader controller, app engine, installed-versions store, and
// update orchestrator, then maps the orchestrator's outcome onto the
// closed exit-code set in spec.md §6.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/appengine"
	"github.com/foundriesio/aklite-go/pkg/bootloader"
	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/errkind"
	"github.com/foundriesio/aklite-go/pkg/exitcode"
	"github.com/foundriesio/aklite-go/pkg/metadata"
	"github.com/foundriesio/aklite-go/pkg/orchestrator"
	"github.com/foundriesio/aklite-go/pkg/ostree"
	"github.com/foundriesio/aklite-go/pkg/reportqueue"
	"github.com/foundriesio/aklite-go/pkg/treemanager"
	"github.com/foundriesio/aklite-go/pkg/versions"
)

var version = "dev"

// cliOpts holds the persistent flags shared by every subcommand.
type cliOpts struct {
	configPath string
	debug      bool
	targetFile string
	prevTarget string
	interval   time.Duration
}

// exitError carries a closed-set spec.md §6 exit code out of a subcommand's
// RunE; main translates it to a process exit code after cobra has finished
// printing any usage/error output.
type exitError struct {
	code exitcode.Code
}

func (e exitError) Error() string { return e.code.String() }

func main() {
	opts := &cliOpts{}
	root := &cobra.Command{
		Use:     "aklite",
		Short:   "edge update agent: atomically transitions a device between signed Targets",
		Version: version,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfigPath(), "path to the agent YAML config")
	pf.BoolVar(&opts.debug, "debug", false, "use verbose development-mode logging")
	pf.StringVar(&opts.targetFile, "target-file", "", "path to a JSON-encoded signed Target (see pkg/metadata.Target)")
	pf.StringVar(&opts.prevTarget, "previous-target", "", "name of the Target the device is finalizing away from")
	pf.DurationVar(&opts.interval, "interval", 10*time.Minute, "daemon mode poll interval")

	root.AddCommand(
		newCheckCmd(opts),
		newPullCmd(opts),
		newInstallCmd(opts),
		newRunCmd(opts),
		newFinalizeCmd(opts),
		newDaemonCmd(opts),
	)

	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(int(ee.code))
		}
		os.Exit(int(exitcode.UnknownError))
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("AKLITE_CONFIG"); p != "" {
		return p
	}
	return "/etc/aklite/config.yaml"
}

func newCheckCmd(opts *cliOpts) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "poll for a newer, hardware-matching signed Target",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			target, ok, err := env.orch.CheckUpdate(cmd.Context())
			if err != nil {
				return exitWith(codeForErr(err), err)
			}
			if !ok {
				env.log.Info("no newer target available")
				return exitWith(exitcode.CheckinOkCached, nil)
			}
			env.log.Infow("newer target found", "target", target.Name)
			if verbose {
				printStatus(env.orch)
			}
			return exitWith(exitcode.Ok, nil)
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print the orchestrator status snapshot")
	return cmd
}

func newPullCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "download the tree commit and app bundles for a Target",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			target, err := loadTarget(opts.targetFile)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			if err := env.orch.Download(cmd.Context(), target, appsFromTarget(target)); err != nil {
				return exitWith(codeForErr(err), err)
			}
			return exitWith(exitcode.Ok, nil)
		},
	}
}

func newInstallCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "deploy a previously downloaded Target and bring its apps up",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			target, err := loadTarget(opts.targetFile)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			if err := env.orch.Install(cmd.Context(), target, appsFromTarget(target)); err != nil {
				return exitWith(codeForErr(err), err)
			}
			return exitWith(exitcode.Ok, nil)
		},
	}
}

func newRunCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "one-shot check, download, and install cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			ctx := cmd.Context()

			target, ok, err := env.orch.CheckUpdate(ctx)
			if err != nil {
				return exitWith(codeForErr(err), err)
			}
			if !ok {
				return exitWith(exitcode.CheckinOkCached, nil)
			}

			appList := appsFromTarget(target)
			if err := env.orch.Download(ctx, target, appList); err != nil {
				return exitWith(codeForErr(err), err)
			}
			if err := env.orch.Install(ctx, target, appList); err != nil {
				return exitWith(codeForErr(err), err)
			}
			return exitWith(exitcode.Ok, nil)
		},
	}
}

func newFinalizeCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize",
		Short: "finalize a pending install after reboot, or detect a rollback",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			target, err := loadTarget(opts.targetFile)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			if err := env.orch.Finalize(cmd.Context(), target, opts.prevTarget, appsFromTarget(target)); err != nil {
				return exitWith(codeForErr(err), err)
			}
			return exitWith(exitcode.Ok, nil)
		},
	}
}

func newDaemonCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the check-download-install loop until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := bootstrap(opts)
			if err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if env.statusAddr != "" {
				stop := serveStatus(ctx, env)
				defer stop()
			}

			if err := env.orch.RunDaemon(ctx, opts.interval, appsFromTarget); err != nil {
				return exitWith(exitcode.UnknownError, err)
			}
			return nil
		},
	}
}

// serveStatus starts the read-only /status endpoint in the background and
// returns a func that shuts it down. The server is torn down on ctx.Done
// as well, so callers only need the returned stop for an orderly shutdown
// before RunDaemon's own context teardown.
func serveStatus(ctx context.Context, env *agentEnv) func() {
	mux := http.NewServeMux()
	env.orch.RegisterRoutes(mux)
	srv := &http.Server{Addr: env.statusAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			env.log.Warnw("status endpoint stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

// agentEnv bundles the wired orchestrator and logger a subcommand needs.
type agentEnv struct {
	orch       *orchestrator.Orchestrator
	log        *zap.SugaredLogger
	statusAddr string
}

// bootstrap loads config and wires every collaborator package into an
// Orchestrator, choosing the app-engine backend from cfg.Apps.Mode
// (spec.md §9 "App engine variants").
func bootstrap(opts *cliOpts) (*agentEnv, error) {
	log, err := newLogger(opts.debug)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	gw, err := ostree.OpenOrCreate(cfg.Ostree.RepoPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening tree-repo gateway: %w", err)
	}

	sysrootPath := strings.TrimSuffix(cfg.Ostree.RepoPath, filepath.Join("ostree", "repo"))
	sysroot, err := ostree.Open(sysrootPath, cfg.NodeName, ostree.Staged)
	if err != nil {
		return nil, fmt.Errorf("opening sysroot view: %w", err)
	}

	tm := treemanager.New(cfg.Ostree, gw, log)

	bc, err := bootloader.New(cfg.Bootloader, log)
	if err != nil {
		return nil, fmt.Errorf("constructing bootloader controller: %w", err)
	}

	apps, err := buildAppEngine(cfg, gw, log)
	if err != nil {
		return nil, err
	}

	vstore, err := versions.Load(filepath.Join(cfg.Apps.Root, ".installed-versions.json"))
	if err != nil {
		return nil, fmt.Errorf("loading installed-versions store: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:      orchestrator.HardwareConfig{HardwareID: cfg.Metadata.HardwareID, NodeName: cfg.NodeName},
		Sysroot:     sysroot,
		TreeManager: tm,
		Bootloader:  bc,
		Apps:        apps,
		Versions:    vstore,
		Metadata:    metadata.StaticFetcher{},
		Reports:          reportqueue.NewNopQueue(log),
		Logger:           log,
		MaxFetchAttempts: cfg.Apps.MaxFetchAttempts,
	})

	return &agentEnv{orch: orch, log: log, statusAddr: cfg.StatusAddr}, nil
}

func buildAppEngine(cfg *config.Config, gw *ostree.Gateway, log *zap.SugaredLogger) (orchestrator.AppEngine, error) {
	switch cfg.Apps.Mode {
	case "", "registry":
		return appengine.NewRegistryEngine(cfg.Apps, cfg.Registry, log), nil
	case "tree":
		return appengine.NewTreeEngine(cfg.Apps, appengine.GatewayTreeCheckout{Gateway: gw}, log), nil
	default:
		return nil, fmt.Errorf("unknown apps.mode %q", cfg.Apps.Mode)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	if debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// loadTarget reads a JSON-encoded metadata.Target from path. The live TUF
// metadata service is out of scope (spec.md Non-goals); this is the
// CLI-level stand-in that lets every subcommand act on a concrete Target.
func loadTarget(path string) (metadata.Target, error) {
	if path == "" {
		return metadata.Target{}, fmt.Errorf("--target-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return metadata.Target{}, fmt.Errorf("reading target file %s: %w", path, err)
	}
	var t metadata.Target
	if err := json.Unmarshal(data, &t); err != nil {
		return metadata.Target{}, fmt.Errorf("parsing target file %s: %w", path, err)
	}
	return t, nil
}

func appsFromTarget(target metadata.Target) []orchestrator.App {
	out := make([]orchestrator.App, 0, len(target.Apps))
	for name, uri := range target.Apps {
		out = append(out, orchestrator.App{Name: name, URI: uri})
	}
	return out
}

func printStatus(o *orchestrator.Orchestrator) {
	data, err := json.MarshalIndent(o.Status(), "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

// codeForErr maps an orchestrator error's errkind.Kind to the closed
// exit-code set of spec.md §6.
func codeForErr(err error) exitcode.Code {
	kind, ok := errkind.As(err)
	if !ok {
		return exitcode.UnknownError
	}
	switch kind {
	case errkind.Metadata:
		return exitcode.TufMetaPullFailure
	case errkind.Download:
		return exitcode.DownloadFailure
	case errkind.DownloadNoSpace:
		return exitcode.DownloadFailureNoSpace
	case errkind.DownloadVerification:
		return exitcode.DownloadFailureVerificationFailed
	case errkind.AppFetch:
		return exitcode.InstallAppPullFailure
	case errkind.InstallNeedsReboot:
		return exitcode.InstallNeedsReboot
	case errkind.InstallNeedsRebootForBootFw:
		return exitcode.InstallNeedsRebootForBootFw
	case errkind.InstallAppsNeedFinalization:
		return exitcode.InstallAppsNeedFinalization
	case errkind.RollbackOk:
		return exitcode.InstallRollbackOk
	case errkind.RollbackNeedsReboot:
		return exitcode.InstallRollbackNeedsReboot
	case errkind.RollbackFailed:
		return exitcode.InstallRollbackFailed
	case errkind.ConcurrencyInProgress:
		return exitcode.InstallationInProgress
	case errkind.ConcurrencyNothingPending:
		return exitcode.NoPendingInstallation
	default:
		return exitcode.UnknownError
	}
}

// exitWith logs a non-Ok outcome to stderr and returns the exitError
// RunE needs to propagate it through cobra's error path, since RunE
// cannot set the process exit code directly.
func exitWith(code exitcode.Code, err error) error {
	if code == exitcode.Ok {
		return nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	return exitError{code: code}
}
