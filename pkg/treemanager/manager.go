// Package treemanager implements the tree-repo download path (spec.md
// §4.2): the ordered remote cascade and the insufficient-space gate that
// keeps a device from hammering a full filesystem with repeat pulls.
package treemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/foundriesio/aklite-go/pkg/config"
	"github.com/foundriesio/aklite-go/pkg/errkind"
)

// Gateway is the subset of the tree-repo gateway the manager drives.
type Gateway interface {
	Path() string
	AddRemote(name, url, caPath, certPath, keyPath string) error
	RemoteList() ([]string, error)
	Pull(ctx context.Context, remote, commit string) error
	ConfigGet(ctx context.Context, section, key string) (string, bool, error)
	ConfigSet(ctx context.Context, section, key, value string) error
	ConfigUnset(ctx context.Context, section, key string) error
	Deploy(ctx context.Context, sysrootPath, osName, commit string) error
}

// remote is one entry of the ordered cascade built for a single Target.
type remote struct {
	name          string
	url           string
	token         string
	correlationID string
}

// Manager drives the ordered remote cascade for a Target's tree commit.
type Manager struct {
	cfg config.OstreeConfig
	gw  Gateway
	log *zap.SugaredLogger

	httpClient *http.Client
}

// New constructs a Manager over an already-open tree-repo gateway.
func New(cfg config.OstreeConfig, gw Gateway, log *zap.SugaredLogger) *Manager {
	return &Manager{cfg: cfg, gw: gw, log: log, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// downloadURLsResponse is the shape of the gateway's POST /download-urls
// response (spec.md §4.2 step 2).
type downloadURLsResponse struct {
	Remotes []struct {
		URL         string `json:"url"`
		AccessToken string `json:"access_token"`
	} `json:"remotes"`
}

// Download runs the ordered remote cascade for targetName's commit hash.
func (m *Manager) Download(ctx context.Context, targetName, commit string) error {
	if err := m.checkInsufficientSpaceGate(ctx, targetName); err != nil {
		return err
	}

	remotes, err := m.buildRemoteList(ctx, targetName)
	if err != nil {
		return errkind.New(errkind.Download, fmt.Errorf("building remote list: %w", err))
	}

	var errs []string
	for _, r := range remotes {
		if err := m.ensureRemote(ctx, r); err != nil {
			errs = append(errs, fmt.Sprintf("%s: registering remote: %v", r.name, err))
			continue
		}

		err := m.gw.Pull(ctx, r.name, commit)
		if err == nil {
			m.clearInsufficientSpaceMarker(ctx, targetName)
			return nil
		}

		msg := err.Error()
		if isInsufficientSpaceError(msg) {
			if setErr := m.recordInsufficientSpaceMarker(ctx, targetName); setErr != nil {
				m.log.Warnw("failed to record insufficient-space marker", "target", targetName, "error", setErr)
			}
			return errkind.New(errkind.DownloadNoSpace, fmt.Errorf("%s: %s", r.name, msg))
		}

		errs = append(errs, fmt.Sprintf("%s: %s", r.name, msg))
	}

	return errkind.New(errkind.Download, fmt.Errorf("all remotes failed: %s", strings.Join(errs, "; ")))
}

// Deploy materializes commit as a new deployment for osName under
// sysrootPath, the step between a successful Download and a reboot into the
// new tree (spec.md §4.5 "on deploy").
func (m *Manager) Deploy(ctx context.Context, sysrootPath, osName, commit string) error {
	if err := m.gw.Deploy(ctx, sysrootPath, osName, commit); err != nil {
		return errkind.New(errkind.Install, fmt.Errorf("deploying commit %s: %w", commit, err))
	}
	return nil
}

func (m *Manager) ensureRemote(ctx context.Context, r remote) error {
	if err := m.gw.AddRemote(r.name, r.url, m.cfg.CAPath, m.cfg.CertPath, m.cfg.KeyPath); err != nil {
		return err
	}
	if r.token != "" {
		// Additional (e.g. "gcs") remotes carry a bearer token rather than
		// mTLS material (spec.md §4.2 step 2); ostree has no direct
		// binding for per-remote extra headers, so it is recorded as a
		// remote config key the same way mTLS paths are.
		if err := m.gw.ConfigSet(ctx, "remote \""+r.name+"\"", "http-headers", "Authorization=Bearer "+r.token); err != nil {
			m.log.Warnw("failed to set bearer-token header for remote", "remote", r.name, "error", err)
		}
	}
	if r.correlationID != "" {
		if err := m.gw.ConfigSet(ctx, "remote \""+r.name+"\"", "http-headers", "X-Correlation-Id="+r.correlationID); err != nil {
			m.log.Warnw("failed to set correlation-id header for remote", "remote", r.name, "error", err)
		}
	}
	return nil
}

// buildRemoteList builds the ordered cascade (spec.md §4.2 step 2): any
// "gcs" remotes returned by the gateway's download-urls endpoint come
// first, in the order the endpoint returned them, followed by the primary
// tree server.
func (m *Manager) buildRemoteList(ctx context.Context, targetName string) ([]remote, error) {
	remotes := []remote{{name: m.cfg.PrimaryRemoteName, url: m.cfg.PrimaryRemoteURL, correlationID: targetName}}

	if m.cfg.DownloadURLsEndpoint == "" {
		return remotes, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.DownloadURLsEndpoint, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Correlation-Id", targetName)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.log.Warnw("download-urls request failed, continuing with primary only", "error", err)
		return remotes, nil
	}
	defer resp.Body.Close()

	var parsed downloadURLsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		m.log.Warnw("download-urls response decode failed, continuing with primary only", "error", err)
		return remotes, nil
	}

	var additional []remote
	for _, r := range parsed.Remotes {
		gcsRemote := remote{name: "gcs", url: r.URL, token: r.AccessToken}
		additional = append(additional, gcsRemote)
	}

	return append(additional, remotes...), nil
}

const (
	spaceMarkerSection = "min-free-space-required"
	gateHeadroomBytes  = 4096
)

// checkInsufficientSpaceGate enforces spec.md §4.2's gate: if a marker is
// recorded for targetName, only proceed once free space has grown past
// recorded+4096 bytes.
func (m *Manager) checkInsufficientSpaceGate(ctx context.Context, targetName string) error {
	value, present, err := m.gw.ConfigGet(ctx, spaceMarkerSection, targetName)
	if err != nil {
		return errkind.New(errkind.Download, fmt.Errorf("reading space marker: %w", err))
	}
	if !present {
		return nil
	}

	recorded, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return errkind.New(errkind.Download, fmt.Errorf("parsing recorded space marker %q: %w", value, err))
	}

	available, err := m.availableBytes()
	if err != nil {
		return errkind.New(errkind.Download, fmt.Errorf("statfs: %w", err))
	}

	if available <= recorded || available-recorded <= gateHeadroomBytes {
		return errkind.New(errkind.DownloadNoSpace, fmt.Errorf("no progress since last insufficient-space failure for %s", targetName))
	}
	return nil
}

func (m *Manager) recordInsufficientSpaceMarker(ctx context.Context, targetName string) error {
	available, err := m.availableBytes()
	if err != nil {
		return err
	}
	return m.gw.ConfigSet(ctx, spaceMarkerSection, targetName, strconv.FormatUint(available, 10))
}

func (m *Manager) clearInsufficientSpaceMarker(ctx context.Context, targetName string) {
	if err := m.gw.ConfigUnset(ctx, spaceMarkerSection, targetName); err != nil {
		m.log.Debugw("no insufficient-space marker to clear", "target", targetName, "error", err)
	}
}

func (m *Manager) availableBytes() (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.gw.Path(), &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// isInsufficientSpaceError reports whether msg matches both phrases spec.md
// §4.2 step 4 requires for an insufficient-space classification.
func isInsufficientSpaceError(msg string) bool {
	if !strings.Contains(msg, "would be exceeded, at least") {
		return false
	}
	return strings.Contains(msg, "min-free-space-size") || strings.Contains(msg, "min-free-space-percent")
}
