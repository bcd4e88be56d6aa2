// Package config loads the agent's YAML configuration file into a single
// Config struct composed of per-subsystem sections, the same shape the
// teacher's installer config uses (flat YAML tags on nested structs).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level agent configuration.
type Config struct {
	NodeName string `yaml:"nodeName"`

	// StatusAddr, if set, is the listen address for the read-only
	// /status HTTP endpoint the daemon subcommand serves alongside its
	// check-download-install loop (SPEC_FULL Update Orchestrator
	// supplement). Empty disables the endpoint.
	StatusAddr string `yaml:"statusAddr"`

	Ostree      OstreeConfig      `yaml:"ostree"`
	Bootloader  BootloaderConfig  `yaml:"bootloader"`
	Registry    RegistryConfig    `yaml:"registry"`
	Apps        AppsConfig        `yaml:"apps"`
	ReportQueue ReportQueueConfig `yaml:"reportQueue"`
	Metadata    MetadataConfig    `yaml:"metadata"`
}

// OstreeConfig configures the tree-repo gateway and manager.
type OstreeConfig struct {
	// RepoPath is where the content-addressed tree-repo lives on disk.
	RepoPath string `yaml:"repoPath"`

	// PrimaryRemoteName is the logical name of the always-configured
	// tree server remote.
	PrimaryRemoteName string `yaml:"primaryRemoteName"`
	PrimaryRemoteURL  string `yaml:"primaryRemoteURL"`

	// DownloadURLsEndpoint is the gateway URL POSTed to for additional
	// ("gcs"-style) remotes, per spec.md §4.2 step 2.
	DownloadURLsEndpoint string `yaml:"downloadUrlsEndpoint"`

	CAPath   string `yaml:"caPath"`
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
}

// BootloaderConfig selects the rollback-controller ABI variant.
type BootloaderConfig struct {
	// Mode is one of "none", "generic", "masked", "verified".
	Mode string `yaml:"mode"`

	// FwSetenvPath is the external tool used for U-Boot variants.
	FwSetenvPath string `yaml:"fwSetenvPath"`

	// FiovbToolPath is the external tool used for the Verified variant.
	FiovbToolPath string `yaml:"fiovbToolPath"`
}

// RegistryConfig configures the OCI registry client used by the App Engine.
type RegistryConfig struct {
	// LocalAddresses lists registry host:port values treated as "local"
	// (no auth handshake attempted beyond anonymous).
	LocalAddresses []string `yaml:"localAddresses"`

	PullTimeout time.Duration `yaml:"pullTimeout"`
}

// AppsConfig configures the app engine.
type AppsConfig struct {
	// Root is the apps root directory; each app gets <Root>/<name>.
	Root string `yaml:"root"`

	// Mode selects "registry" or "tree" as the fetch backend.
	Mode string `yaml:"mode"`

	// MaxFetchAttempts caps retries of a single app fetch before the
	// orchestrator gives up on the enclosing Target (SPEC_FULL App
	// Engine supplement).
	MaxFetchAttempts int `yaml:"maxFetchAttempts"`

	ComposeProgram string `yaml:"composeProgram"`
}

// ReportQueueConfig configures the out-of-scope event-report queue.
type ReportQueueConfig struct {
	ServerURL string `yaml:"serverURL"`
}

// MetadataConfig configures the out-of-scope signed-Target metadata fetcher.
type MetadataConfig struct {
	ServerURL     string `yaml:"serverURL"`
	HardwareID    string `yaml:"hardwareID"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Apps.MaxFetchAttempts == 0 {
		c.Apps.MaxFetchAttempts = 3
	}
	if c.Apps.ComposeProgram == "" {
		c.Apps.ComposeProgram = "docker-compose"
	}
	if c.Apps.Mode == "" {
		c.Apps.Mode = "registry"
	}
	if c.Registry.PullTimeout == 0 {
		c.Registry.PullTimeout = 60 * time.Second
	}
	if c.Ostree.PrimaryRemoteName == "" {
		c.Ostree.PrimaryRemoteName = "primary"
	}
}
