// Package config loads mangamerged's settings.yml and applies environment
// overrides, the same DefaultConfig/Load/LoadWithEnv(getenv) shape the
// teacher repo uses for its single-document config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed contents of <configRoot>/settings.yml.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Scan       ScanConfig       `yaml:"scan"`
	Merge      MergeConfig      `yaml:"merge"`
	Comick     ComickConfig     `yaml:"comick"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Log        LogConfig        `yaml:"log"`
}

// PathsConfig holds the conventional mount paths (§6 Environment).
type PathsConfig struct {
	ConfigRoot      string `yaml:"config_root"`
	SourcesRoot     string `yaml:"sources_root"`
	OverrideRoot    string `yaml:"override_root"`
	MergedRoot      string `yaml:"merged_root"`
	BranchLinksRoot string `yaml:"branch_links_root"`
}

// ScanConfig tunes the trigger pipeline's cadence (§4.3).
type ScanConfig struct {
	RescanIntervalSeconds int  `yaml:"rescan_interval_seconds"`
	MergeIntervalSeconds  int  `yaml:"merge_interval_seconds"`
	LockRetrySeconds      int  `yaml:"lock_retry_seconds"`
	MinSpacingSeconds     int  `yaml:"min_spacing_seconds"`
	ScanOnStartup         bool `yaml:"scan_on_startup"`
	PollTimeoutSeconds    int  `yaml:"poll_timeout_seconds"`
}

// MergeConfig tunes the merge-mount workflow (§4.15).
type MergeConfig struct {
	ExcludedSourceNames []string      `yaml:"excluded_source_names"`
	CooldownWindow      time.Duration `yaml:"cooldown_window"`
	MountActionTimeout  time.Duration `yaml:"mount_action_timeout"`
}

// ComickConfig configures the direct Comick HTTP API client (§6 HTTP).
type ComickConfig struct {
	BaseURL        string        `yaml:"base_url"`
	CoverBaseURL   string        `yaml:"cover_base_url"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CloudflareConfig configures the Cloudflare-aware gateway and its
// FlareSolverr fallback (§4.8).
type CloudflareConfig struct {
	FlareSolverrURL     string        `yaml:"flaresolverr_url"`
	DirectRetryInterval time.Duration `yaml:"direct_retry_interval"`
}

// LogConfig controls the bracket-tag logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the baseline configuration before any file or
// environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			ConfigRoot:      "/ssm/config",
			SourcesRoot:     "/ssm/sources",
			OverrideRoot:    "/ssm/override",
			MergedRoot:      "/ssm/merged",
			BranchLinksRoot: "/ssm/config/branch-links",
		},
		Scan: ScanConfig{
			RescanIntervalSeconds: 300,
			MergeIntervalSeconds:  60,
			LockRetrySeconds:      5,
			MinSpacingSeconds:     5,
			PollTimeoutSeconds:    5,
		},
		Merge: MergeConfig{
			CooldownWindow:     24 * time.Hour,
			MountActionTimeout: 30 * time.Second,
		},
		Comick: ComickConfig{
			BaseURL:        "https://api.comick.dev",
			CoverBaseURL:   "https://meo.comick.pictures",
			RequestsPerSec: 2,
			Burst:          10,
			Timeout:        30 * time.Second,
		},
		Cloudflare: CloudflareConfig{
			DirectRetryInterval: 60 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	// Path overrides are applied before the file read so SSM_CONFIG_ROOT
	// also controls where settings.yml itself is read from.
	applyPathOverrides(cfg, getenv)

	configPath := filepath.Join(cfg.Paths.ConfigRoot, "settings.yml")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment path overrides win over the file too, since they exist
	// specifically for container deployment flexibility.
	applyPathOverrides(cfg, getenv)

	return cfg, nil
}

func applyPathOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv("SSM_CONFIG_ROOT"); v != "" {
		cfg.Paths.ConfigRoot = v
	}
	if v := getenv("SSM_SOURCES_ROOT"); v != "" {
		cfg.Paths.SourcesRoot = v
	}
	if v := getenv("SSM_OVERRIDE_ROOT"); v != "" {
		cfg.Paths.OverrideRoot = v
	}
	if v := getenv("SSM_MERGED_ROOT"); v != "" {
		cfg.Paths.MergedRoot = v
	}
}

// SettingsPath returns the path to settings.yml under the configured root.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.Paths.ConfigRoot, "settings.yml")
}

// SceneTagsPath returns the path to scene_tags.yml under the configured root.
func (c *Config) SceneTagsPath() string {
	return filepath.Join(c.Paths.ConfigRoot, "scene_tags.yml")
}

// MangaEquivalentsPath returns the path to manga_equivalents.yml under the
// configured root.
func (c *Config) MangaEquivalentsPath() string {
	return filepath.Join(c.Paths.ConfigRoot, "manga_equivalents.yml")
}

// SourcePriorityPath returns the path to source_priority.yml under the
// configured root.
func (c *Config) SourcePriorityPath() string {
	return filepath.Join(c.Paths.ConfigRoot, "source_priority.yml")
}

// SceneTags is the parsed contents of scene_tags.yml: suffixes stripped from
// raw titles before they are folded to a title/token key (§2, §3 "Title
// group").
type SceneTags struct {
	Suffixes []string `yaml:"suffixes"`
}

// LoadSceneTags reads and parses scene_tags.yml. A missing file yields an
// empty, valid SceneTags rather than an error — scene-tag stripping is
// optional.
func LoadSceneTags(path string) (*SceneTags, error) {
	st := &SceneTags{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("failed to read scene tags file: %w", err)
	}
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse scene tags file: %w", err)
	}
	return st, nil
}

// SourcePriority is the parsed contents of source_priority.yml: the order in
// which source names are preferred when building a branch specification
// (§4.4 step 2).
type SourcePriority struct {
	Order []string `yaml:"order"`
}

// LoadSourcePriority reads and parses source_priority.yml. A missing file
// yields an empty priority list; the branch planner falls back to its
// stable name/path tie-break for every source.
func LoadSourcePriority(path string) (*SourcePriority, error) {
	sp := &SourcePriority{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sp, nil
		}
		return nil, fmt.Errorf("failed to read source priority file: %w", err)
	}
	if err := yaml.Unmarshal(data, sp); err != nil {
		return nil, fmt.Errorf("failed to parse source priority file: %w", err)
	}
	return sp, nil
}
