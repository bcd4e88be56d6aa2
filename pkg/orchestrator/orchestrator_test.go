package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/appengine"
	"github.com/foundriesio/aklite-go/pkg/bootloader"
	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/errkind"
	"github.com/foundriesio/aklite-go/pkg/metadata"
	"github.com/foundriesio/aklite-go/pkg/ostree"
	"github.com/foundriesio/aklite-go/pkg/reportqueue"
	"github.com/foundriesio/aklite-go/pkg/treemanager"
	"github.com/foundriesio/aklite-go/pkg/versions"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

// fakeTreeGateway satisfies treemanager.Gateway without touching ostree.
type fakeTreeGateway struct {
	path        string
	configStore map[string]string
	pullErr     error
	deployErr   error
	deployed    []string
}

func newFakeTreeGateway() *fakeTreeGateway {
	return &fakeTreeGateway{path: ".", configStore: make(map[string]string)}
}

func (f *fakeTreeGateway) Path() string                                   { return f.path }
func (f *fakeTreeGateway) AddRemote(name, url, ca, cert, key string) error { return nil }
func (f *fakeTreeGateway) RemoteList() ([]string, error)                  { return nil, nil }
func (f *fakeTreeGateway) Pull(ctx context.Context, remote, commit string) error {
	return f.pullErr
}
func (f *fakeTreeGateway) ConfigGet(ctx context.Context, section, key string) (string, bool, error) {
	v, ok := f.configStore[section+"."+key]
	return v, ok, nil
}
func (f *fakeTreeGateway) ConfigSet(ctx context.Context, section, key, value string) error {
	f.configStore[section+"."+key] = value
	return nil
}
func (f *fakeTreeGateway) ConfigUnset(ctx context.Context, section, key string) error {
	delete(f.configStore, section+"."+key)
	return nil
}

// Deploy mimics `ostree admin deploy` by writing a new <hash>.<serial>
// marker file under the real temp-dir sysroot, so a following Sysroot.Reload
// actually observes the new deployment the way the real gateway would.
func (f *fakeTreeGateway) Deploy(ctx context.Context, sysrootPath, osName, commit string) error {
	f.deployed = append(f.deployed, commit)
	if f.deployErr != nil {
		return f.deployErr
	}
	dir := filepath.Join(sysrootPath, "ostree", "deploy", osName, "deploy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	serial := len(entries)
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s.%d", commit, serial)), []byte{}, 0o644)
}

// fakeAppEngine satisfies AppEngine, tracking fetch/install/run calls and
// letting tests dictate IsRunning's answer per app name.
type fakeAppEngine struct {
	fetchErr     error
	installErr   error
	runErr       error
	isRunningErr error
	running      map[string]bool
	fetched      []string
	installed    []string
	ran          []string
}

func newFakeAppEngine() *fakeAppEngine {
	return &fakeAppEngine{running: make(map[string]bool)}
}

func (f *fakeAppEngine) Fetch(ctx context.Context, app appengine.App) (bool, error) {
	f.fetched = append(f.fetched, app.Name)
	if f.fetchErr != nil {
		return false, f.fetchErr
	}
	return true, nil
}

func (f *fakeAppEngine) Install(ctx context.Context, app appengine.App, noStart bool) error {
	f.installed = append(f.installed, app.Name)
	return f.installErr
}

func (f *fakeAppEngine) Run(ctx context.Context, app appengine.App) error {
	f.ran = append(f.ran, app.Name)
	return f.runErr
}

func (f *fakeAppEngine) IsRunning(ctx context.Context, app appengine.App) (bool, error) {
	if f.isRunningErr != nil {
		return false, f.isRunningErr
	}
	return f.running[app.Name], nil
}

// makeFakeSysroot mirrors pkg/ostree's test helper: a temp dir with
// <hash>.<serial> marker files under ostree/deploy/<osName>/deploy.
func makeFakeSysroot(t *testing.T, osName string, hashes []string) string {
	t.Helper()
	root := t.TempDir()
	deployDir := filepath.Join(root, "ostree", "deploy", osName, "deploy")
	if err := os.MkdirAll(deployDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, h := range hashes {
		name := fmt.Sprintf("%s.%d", h, i)
		if err := os.WriteFile(filepath.Join(deployDir, name), []byte{}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// buildTestOrchestrator wires every collaborator with fakes/temp-dir-backed
// real implementations, avoiding any real ostree or subprocess dependency.
func buildTestOrchestrator(t *testing.T, sysrootHashes []string) (*Orchestrator, *fakeAppEngine, *versions.Store) {
	t.Helper()
	log := testLogger()

	root := makeFakeSysroot(t, "lmp", sysrootHashes)
	sysroot, err := ostree.Open(root, "lmp", ostree.Staged)
	if err != nil {
		t.Fatalf("ostree.Open: %v", err)
	}

	tm := treemanager.New(config.OstreeConfig{PrimaryRemoteName: "primary", PrimaryRemoteURL: "https://tree.example"}, newFakeTreeGateway(), log)

	bc, err := bootloader.New(config.BootloaderConfig{Mode: "none"}, log)
	if err != nil {
		t.Fatalf("bootloader.New: %v", err)
	}

	vstore, err := versions.Load(filepath.Join(t.TempDir(), "versions.json"))
	if err != nil {
		t.Fatalf("versions.Load: %v", err)
	}

	apps := newFakeAppEngine()

	o := New(Deps{
		Config:      HardwareConfig{HardwareID: "raspberrypi4-64", NodeName: "lmp"},
		Sysroot:     sysroot,
		TreeManager: tm,
		Bootloader:  bc,
		Apps:        apps,
		Versions:    vstore,
		Metadata:    metadata.StaticFetcher{},
		Reports:     reportqueue.NewNopQueue(log),
		Logger:      log,
	})
	return o, apps, vstore
}

func TestCheckUpdateTransitionsToMetadataValidated(t *testing.T) {
	o, _, _ := buildTestOrchestrator(t, []string{"AAAA"})
	o.deps.Metadata = metadata.StaticFetcher{Target: metadata.Target{
		Name: "target-2", TreeHash: "BBBB", HardwareID: "raspberrypi4-64", Version: 2,
	}}

	target, ok, err := o.CheckUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if !ok {
		t.Fatal("expected a newer target to be found")
	}
	if target.Name != "target-2" {
		t.Fatalf("target = %q, want target-2", target.Name)
	}
	if o.Status().State != MetadataValidated {
		t.Fatalf("state = %v, want MetadataValidated", o.Status().State)
	}
}

func TestDownloadFetchesEachApp(t *testing.T) {
	o, apps, _ := buildTestOrchestrator(t, []string{"AAAA"})
	target := metadata.Target{Name: "target-2", TreeHash: "AAAA"}
	appList := []App{{Name: "shellhttpd", URI: "registry.example/factory/shellhttpd@sha256:" + fakeDigest()}}

	if err := o.Download(context.Background(), target, appList); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(apps.fetched) != 1 || apps.fetched[0] != "shellhttpd" {
		t.Fatalf("fetched = %v", apps.fetched)
	}
	if o.Status().State != Downloaded {
		t.Fatalf("state = %v, want Downloaded", o.Status().State)
	}
}

func TestInstallNeedsRebootWhenCurrentHashDiffersFromTarget(t *testing.T) {
	o, _, vstore := buildTestOrchestrator(t, []string{"AAAA"})
	target := metadata.Target{Name: "target-2", TreeHash: "BBBB", Version: 2}

	err := o.Install(context.Background(), target, nil)
	if err == nil {
		t.Fatal("expected InstallNeedsReboot")
	}
	kind, ok := errkind.As(err)
	if !ok || kind != errkind.InstallNeedsReboot {
		t.Fatalf("errkind = %v (ok=%v), want InstallNeedsReboot", kind, ok)
	}
	if o.Status().State != PendingReboot {
		t.Fatalf("state = %v, want PendingReboot", o.Status().State)
	}
	if _, ok := vstore.Get("target-2"); !ok {
		t.Fatal("expected target-2 to be recorded in the versions store")
	}
}

func TestInstallFinalizesImmediatelyWhenAlreadyBooted(t *testing.T) {
	o, _, _ := buildTestOrchestrator(t, []string{"BBBB"})
	target := metadata.Target{Name: "target-2", TreeHash: "BBBB", Version: 2}

	if err := o.Install(context.Background(), target, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if o.Status().State != Finalizing {
		t.Fatalf("state = %v, want Finalizing", o.Status().State)
	}
}

func TestFinalizeRequiresAppsRunningBeforeIdle(t *testing.T) {
	oldInterval := healthCheckInterval
	healthCheckInterval = time.Millisecond
	defer func() { healthCheckInterval = oldInterval }()

	o, apps, vstore := buildTestOrchestrator(t, []string{"BBBB"})
	target := metadata.Target{Name: "target-2", TreeHash: "BBBB", Version: 2}
	appList := []App{{Name: "shellhttpd", URI: "registry.example/factory/shellhttpd@sha256:" + fakeDigest()}}

	if err := vstore.Put("target-2", versions.Entry{Hashes: map[string]string{"tree": "BBBB"}}); err != nil {
		t.Fatalf("vstore.Put: %v", err)
	}

	// Not running yet: Finalize must refuse to go Idle. Keep this within
	// the bounded health-check retry budget (pkg/orchestrator/health.go).
	err := o.Finalize(context.Background(), target, "", appList)
	if err == nil {
		t.Fatal("expected InstallAppsNeedFinalization")
	}
	kind, ok := errkind.As(err)
	if !ok || kind != errkind.InstallAppsNeedFinalization {
		t.Fatalf("errkind = %v (ok=%v), want InstallAppsNeedFinalization", kind, ok)
	}

	// Now report it running and retry.
	apps.running["shellhttpd"] = true
	if err := o.Finalize(context.Background(), target, "", appList); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if o.Status().State != Idle {
		t.Fatalf("state = %v, want Idle", o.Status().State)
	}
	entry, ok := vstore.Get("target-2")
	if !ok || !entry.IsCurrent {
		t.Fatal("expected target-2 to be marked current")
	}
}

func TestFinalizeDetectsRollback(t *testing.T) {
	o, _, vstore := buildTestOrchestrator(t, []string{"AAAA"})
	target := metadata.Target{Name: "target-2", TreeHash: "BBBB", Version: 2}

	if err := vstore.Put("target-1", versions.Entry{Hashes: map[string]string{"tree": "AAAA"}}); err != nil {
		t.Fatalf("vstore.Put: %v", err)
	}

	err := o.Finalize(context.Background(), target, "target-1", nil)
	if err == nil {
		t.Fatal("expected RollbackOk")
	}
	kind, ok := errkind.As(err)
	if !ok || kind != errkind.RollbackOk {
		t.Fatalf("errkind = %v (ok=%v), want RollbackOk", kind, ok)
	}
	if o.Status().State != RolledBack {
		t.Fatalf("state = %v, want RolledBack", o.Status().State)
	}
}

func TestConcurrentAttemptIsRejected(t *testing.T) {
	o, _, _ := buildTestOrchestrator(t, []string{"AAAA"})
	release, err := o.beginAttempt()
	if err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	defer release()

	_, err = o.beginAttempt()
	if err == nil {
		t.Fatal("expected a concurrent attempt to be rejected")
	}
	kind, ok := errkind.As(err)
	if !ok || kind != errkind.ConcurrencyInProgress {
		t.Fatalf("errkind = %v (ok=%v), want ConcurrencyInProgress", kind, ok)
	}
}

func fakeDigest() string {
	return fmt.Sprintf("%064d", 1)
}
