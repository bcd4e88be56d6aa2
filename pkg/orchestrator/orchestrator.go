// Package orchestrator implements the Update Orchestrator state machine
// (spec.md §4.5): the single place that sequences a Target check, tree and
// app download, install, and finalize, driving the tree-repo manager,
// bootloader controller, app engine, and installed-versions store.
//
// Adapted from the teacher's MikroTikProvider (pkg/provider/provider.go):
// the Deps-injection struct and the standalone ticker-driven reconciler
// loop survive almost unchanged in shape; the Kubernetes
// PodLifecycleHandler/NodeProvider surface (CreatePod, ConfigureNode,
// virtual-kubelet wiring) has no analogue here and is replaced by the
// update state machine itself.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/appengine"
	"github.com/foundriesio/aklite-go/pkg/bootloader"
	"github.com/foundriesio/aklite-go/pkg/errkind"
	"github.com/foundriesio/aklite-go/pkg/metadata"
	"github.com/foundriesio/aklite-go/pkg/ostree"
	"github.com/foundriesio/aklite-go/pkg/reportqueue"
	"github.com/foundriesio/aklite-go/pkg/treemanager"
	"github.com/foundriesio/aklite-go/pkg/versions"
)

// State is one of the named states of spec.md §4.5's machine.
type State int

const (
	Idle State = iota
	MetadataValidated
	Downloaded
	Installed
	PendingReboot
	Finalizing
	RollingBack
	RolledBack
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MetadataValidated:
		return "MetadataValidated"
	case Downloaded:
		return "Downloaded"
	case Installed:
		return "Installed"
	case PendingReboot:
		return "PendingReboot"
	case Finalizing:
		return "Finalizing"
	case RollingBack:
		return "RollingBack"
	case RolledBack:
		return "RolledBack"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// AppEngine is the capability set the orchestrator drives per app. Both
// the registry-backed and tree-backed pkg/appengine engines satisfy it.
type AppEngine interface {
	Fetch(ctx context.Context, app appengine.App) (bool, error)
	Install(ctx context.Context, app appengine.App, noStart bool) error
	Run(ctx context.Context, app appengine.App) error
	IsRunning(ctx context.Context, app appengine.App) (bool, error)
}

// App is the orchestrator's minimal view of an app entry in a Target: a
// name plus its raw OCI-style URI, parsed lazily when handed to the app
// engine.
type App struct {
	Name string
	URI  string
}

// toEngineApp parses a's URI and builds the appengine.App the Fetch/
// Install/Run/IsRunning calls expect. A parse failure is returned as is;
// each caller picks its kind (fetchAppWithRetry tags it AppFetch, Install
// tags it Install).
func toEngineApp(a App) (appengine.App, error) {
	parsed, err := appengine.ParseAppURI(a.URI)
	if err != nil {
		return appengine.App{}, err
	}
	return appengine.App{Name: a.Name, URI: parsed}, nil
}

// Deps holds every collaborator the orchestrator drives. Injected rather
// than constructed internally so tests can supply fakes for each one.
type Deps struct {
	Config      HardwareConfig
	Sysroot     *ostree.Sysroot
	TreeManager *treemanager.Manager
	Bootloader  *bootloader.Controller
	Apps        AppEngine
	Versions    *versions.Store
	Metadata    metadata.Fetcher
	Reports     reportqueue.Queue
	Logger      *zap.SugaredLogger

	// MaxFetchAttempts caps how many times Download retries a single
	// app's Fetch before giving up on the enclosing Target (SPEC_FULL App
	// Engine supplement, config.AppsConfig.MaxFetchAttempts). Zero or
	// negative is treated as 1 (no retry).
	MaxFetchAttempts int
}

// HardwareConfig is the subset of device configuration the orchestrator
// needs to select a Target.
type HardwareConfig struct {
	HardwareID string
	NodeName   string
}

// Status is the read-only snapshot exposed over the status HTTP endpoint
// (pkg/orchestrator/http.go) and returned by Status().
type Status struct {
	State         State     `json:"state"`
	CurrentTarget string    `json:"currentTarget"`
	LastChecked   time.Time `json:"lastChecked"`
	LastError     string    `json:"lastError,omitempty"`
}

// Orchestrator drives the update state machine for one device. At most one
// update attempt runs at a time (spec.md §5).
type Orchestrator struct {
	deps Deps

	mu            sync.Mutex
	state         State
	inProgress    bool
	currentTarget string
	lastChecked   time.Time
	lastErr       error
	currentVer    int

	// correlationID identifies the in-progress update attempt across
	// report-queue events and the installed-versions row it produces
	// (SPEC_FULL ambient IDs supplement), stamped fresh by each
	// CheckUpdate call.
	correlationID string
}

// New constructs an Orchestrator in the Idle state.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, state: Idle}
}

// Status returns a snapshot of the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{State: o.state, CurrentTarget: o.currentTarget, LastChecked: o.lastChecked}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

// beginAttempt enforces the at-most-one-in-progress concurrency
// discipline (spec.md §5), returning InstallationInProgress if another
// attempt already holds the lock.
func (o *Orchestrator) beginAttempt() (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inProgress {
		return nil, errkind.New(errkind.ConcurrencyInProgress, fmt.Errorf("an installation is already in progress"))
	}
	o.inProgress = true
	return func() {
		o.mu.Lock()
		o.inProgress = false
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.state = Failed
	o.lastErr = err
	o.mu.Unlock()
	return err
}

// CheckUpdate polls the metadata fetcher for a newer, hardware-matching,
// signed Target (Idle → MetadataValidated, spec.md §4.5).
func (o *Orchestrator) CheckUpdate(ctx context.Context) (metadata.Target, bool, error) {
	o.mu.Lock()
	o.lastChecked = time.Now()
	o.mu.Unlock()

	target, ok, err := o.deps.Metadata.Latest(ctx, o.deps.Config.HardwareID, o.currentVer)
	if err != nil {
		return metadata.Target{}, false, errkind.New(errkind.Metadata, err)
	}
	if !ok {
		return metadata.Target{}, false, nil
	}

	o.setState(MetadataValidated)
	o.mu.Lock()
	o.currentTarget = target.Name
	o.correlationID = uuid.New().String()
	o.mu.Unlock()
	return target, true, nil
}

// reportEvent fires a best-effort report-queue event for the current
// attempt, logging (rather than failing the caller) on a queue error: the
// event report is observability, not a correctness dependency.
func (o *Orchestrator) reportEvent(ctx context.Context, targetName, kind string, success bool, details string) {
	o.mu.Lock()
	id := o.correlationID
	o.mu.Unlock()
	ev := reportqueue.Event{ID: id, TargetName: targetName, Kind: kind, Success: success, Details: details}
	if err := o.deps.Reports.Enqueue(ctx, ev); err != nil {
		o.deps.Logger.Warnw("report-queue enqueue failed", "kind", kind, "target", targetName, "error", err)
	}
}

// Download runs the tree-repo pull followed by each app's fetch, in the
// Target's app-map iteration order (MetadataValidated → Downloaded,
// spec.md §4.5 tie-breaks: tree commit first, apps second).
func (o *Orchestrator) Download(ctx context.Context, target metadata.Target, appList []App) error {
	release, err := o.beginAttempt()
	if err != nil {
		return err
	}
	defer release()

	if err := o.deps.TreeManager.Download(ctx, target.Name, target.TreeHash); err != nil {
		o.reportEvent(ctx, target.Name, "download", false, err.Error())
		return o.fail(err)
	}

	maxAttempts := o.deps.MaxFetchAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for _, app := range appList {
		if err := o.fetchAppWithRetry(ctx, app, maxAttempts); err != nil {
			o.reportEvent(ctx, target.Name, "download", false, err.Error())
			return o.fail(err)
		}
	}

	o.setState(Downloaded)
	o.reportEvent(ctx, target.Name, "download", true, "")
	return nil
}

// fetchAppWithRetry retries app's Fetch up to maxAttempts times, stamping
// each attempt's ordinal onto App.FetchAttempts so the engine can apply
// its own attempt-aware logic (SPEC_FULL App Engine supplement, grounded
// on original_source's composeapp.cc/rootfstreemanager.cc retry-counter
// pattern).
func (o *Orchestrator) fetchAppWithRetry(ctx context.Context, app App, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		engApp, err := toEngineApp(app)
		if err != nil {
			return errkind.New(errkind.AppFetch, fmt.Errorf("app %s: %w", app.Name, err))
		}
		engApp.FetchAttempts = attempt - 1

		ok, err := o.deps.Apps.Fetch(ctx, engApp)
		if err != nil {
			lastErr = fmt.Errorf("fetching app %s (attempt %d/%d): %w", app.Name, attempt, maxAttempts, err)
			continue
		}
		if !ok {
			lastErr = fmt.Errorf("app %s failed validation or pre-pull (attempt %d/%d)", app.Name, attempt, maxAttempts)
			continue
		}
		return nil
	}
	return errkind.New(errkind.AppFetch, lastErr)
}

// Install brings every app up, then materializes the tree commit as a new
// deployment via the tree manager's Deploy (Downloaded → Installed, spec.md
// §4.5). The bootloader is notified before any app is installed, and the
// sysroot view is reloaded after Deploy so the following HashOf(Current)
// check sees the freshly created deployment.
func (o *Orchestrator) Install(ctx context.Context, target metadata.Target, appList []App) error {
	release, err := o.beginAttempt()
	if err != nil {
		return err
	}
	defer release()

	o.deps.Bootloader.NotifyUpdateStaged(ctx)
	o.deps.Bootloader.NotifyInstallForTarget(ctx, target.Name)

	for _, app := range appList {
		engApp, err := toEngineApp(app)
		if err != nil {
			return o.fail(errkind.New(errkind.Install, fmt.Errorf("app %s: %w", app.Name, err)))
		}
		if err := o.deps.Apps.Install(ctx, engApp, false); err != nil {
			return o.fail(errkind.New(errkind.Install, fmt.Errorf("installing app %s: %w", app.Name, err)))
		}
	}

	if err := o.deps.TreeManager.Deploy(ctx, o.deps.Sysroot.Path(), o.deps.Config.NodeName, target.TreeHash); err != nil {
		return o.fail(err)
	}
	if err := o.deps.Sysroot.Reload(); err != nil {
		return o.fail(errkind.New(errkind.Install, err))
	}

	o.mu.Lock()
	correlationID := o.correlationID
	o.mu.Unlock()
	entry := versions.Entry{Hashes: map[string]string{"tree": target.TreeHash}, CorrelationID: correlationID}
	if err := o.deps.Versions.Put(target.Name, entry); err != nil {
		return o.fail(errkind.New(errkind.Install, err))
	}

	o.setState(Installed)

	current, err := o.deps.Sysroot.HashOf(ostree.Current)
	if err != nil {
		return o.fail(errkind.New(errkind.Install, err))
	}
	if current != target.TreeHash {
		o.setState(PendingReboot)
		o.reportEvent(ctx, target.Name, "install", true, "awaiting reboot")
		return errkind.New(errkind.InstallNeedsReboot, fmt.Errorf("reboot required to boot %s", target.TreeHash))
	}

	o.setState(Finalizing)
	o.reportEvent(ctx, target.Name, "install", true, "")
	return nil
}

// Finalize runs after the device has booted the new deployment
// (PendingReboot → Finalizing → Idle/RollingBack, spec.md §4.5).
func (o *Orchestrator) Finalize(ctx context.Context, target metadata.Target, previousTarget string, appList []App) error {
	release, err := o.beginAttempt()
	if err != nil {
		return err
	}
	defer release()

	o.setState(Finalizing)

	if err := o.deps.Sysroot.Reload(); err != nil {
		return o.fail(err)
	}
	current, err := o.deps.Sysroot.HashOf(ostree.Current)
	if err != nil {
		return o.fail(err)
	}

	if current == target.TreeHash {
		if err := appsHealthy(ctx, o.deps.Apps, appList); err != nil {
			return errkind.New(errkind.InstallAppsNeedFinalization, fmt.Errorf("not all apps are running yet: %w", err))
		}

		if err := o.deps.Versions.SetCurrent(target.Name); err != nil {
			return o.fail(err)
		}
		o.deps.Bootloader.MarkBootOk(ctx)
		o.setState(Idle)
		o.mu.Lock()
		o.currentVer = target.Version
		o.mu.Unlock()
		o.reportEvent(ctx, target.Name, "finalize", true, "")
		return nil
	}

	if previousTarget != "" {
		prevEntry, ok := o.deps.Versions.Get(previousTarget)
		if ok && current == prevEntry.Hashes["tree"] {
			o.setState(RollingBack)
			if err := o.rollbackApps(ctx, appList); err != nil {
				o.setState(Failed)
				o.reportEvent(ctx, target.Name, "rollback", false, err.Error())
				return errkind.New(errkind.RollbackFailed, err)
			}
			o.setState(RolledBack)
			o.reportEvent(ctx, target.Name, "rollback", true, fmt.Sprintf("rolled back to %s", previousTarget))
			return errkind.New(errkind.RollbackOk, fmt.Errorf("device rolled back to %s", previousTarget))
		}
	}

	return o.fail(fmt.Errorf("current deployment %s matches neither target %s nor previous %s", current, target.TreeHash, previousTarget))
}

func (o *Orchestrator) rollbackApps(ctx context.Context, appList []App) error {
	for _, app := range appList {
		engApp, err := toEngineApp(app)
		if err != nil {
			return fmt.Errorf("app %s: %w", app.Name, err)
		}
		if err := o.deps.Apps.Run(ctx, engApp); err != nil {
			return fmt.Errorf("running app %s during rollback: %w", app.Name, err)
		}
	}
	return nil
}

// RunDaemon runs a periodic check-download-install loop, the long-running
// mode of operation (grounded on the teacher's RunStandaloneReconciler
// ticker loop, pkg/provider/provider.go).
func (o *Orchestrator) RunDaemon(ctx context.Context, interval time.Duration, appsFor func(metadata.Target) []App) error {
	log := o.deps.Logger
	log.Infow("update orchestrator daemon starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("update orchestrator daemon shutting down")
			return nil
		case <-ticker.C:
			target, ok, err := o.CheckUpdate(ctx)
			if err != nil {
				log.Errorw("check-update failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			apps := appsFor(target)
			if err := o.Download(ctx, target, apps); err != nil {
				log.Errorw("download failed", "target", target.Name, "error", err)
				continue
			}
			if err := o.Install(ctx, target, apps); err != nil {
				log.Warnw("install requires a follow-up step", "target", target.Name, "error", err)
			}
		}
	}
}

