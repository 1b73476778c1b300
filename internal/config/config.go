// Package config loads .tbd/config.yml and the local-only sync state.
//
// Configuration is read through viper so every key can be overridden from
// the environment with a TBD_ prefix (sync.branch becomes TBD_SYNC_BRANCH).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
)

// EnvPrefix is prepended to environment overrides.
const EnvPrefix = "TBD"

// ErrNotInitialized is returned by Load when the repository has no
// .tbd/config.yml.
var ErrNotInitialized = errors.New("tbd is not initialized in this repository (run 'tbd init')")

// Config is the tracked project configuration.
type Config struct {
	TbdVersion string         `mapstructure:"tbd_version"`
	Sync       SyncConfig     `mapstructure:"sync"`
	Display    DisplayConfig  `mapstructure:"display"`
	Settings   SettingsConfig `mapstructure:"settings"`
}

// SyncConfig controls the sync branch and network behaviour.
type SyncConfig struct {
	Branch       string        `mapstructure:"branch"`
	Remote       string        `mapstructure:"remote"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	PushTimeout  time.Duration `mapstructure:"push_timeout"`
	PushRetries  int           `mapstructure:"push_retries"`
	MergeWorkers int           `mapstructure:"merge_workers"`
	AutoRepair   bool          `mapstructure:"auto_repair"`
}

// DisplayConfig controls how ids are shown.
type DisplayConfig struct {
	IDPrefix string `mapstructure:"id_prefix"`
}

// SettingsConfig holds behavioural toggles.
type SettingsConfig struct {
	AutoSync     bool `mapstructure:"auto_sync"`
	IndexEnabled bool `mapstructure:"index_enabled"`
}

var defaults = map[string]any{
	"tbd_version":            "",
	"sync.branch":            paths.SyncBranch,
	"sync.remote":            paths.DefaultRemote,
	"sync.fetch_timeout":     30 * time.Second,
	"sync.push_timeout":      60 * time.Second,
	"sync.push_retries":      3,
	"sync.merge_workers":     4,
	"sync.auto_repair":       true,
	"display.id_prefix":      "bd",
	"settings.auto_sync":     false,
	"settings.index_enabled": true,
}

var idPrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,9}$`)

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Load reads <baseDir>/.tbd/config.yml, applies defaults and environment
// overrides, and validates the result.
func Load(baseDir string) (*Config, error) {
	path := paths.ConfigPath(baseDir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every setting once so later code can trust the values.
func (c *Config) Validate() error {
	var problems []string
	if err := syncbranch.ValidateBranchName(c.Sync.Branch); err != nil {
		problems = append(problems, fmt.Sprintf("sync.branch: %v", err))
	}
	if strings.TrimSpace(c.Sync.Remote) == "" {
		problems = append(problems, "sync.remote: must not be empty")
	}
	if c.Sync.FetchTimeout <= 0 {
		problems = append(problems, "sync.fetch_timeout: must be positive")
	}
	if c.Sync.PushTimeout <= 0 {
		problems = append(problems, "sync.push_timeout: must be positive")
	}
	if c.Sync.PushRetries < 0 {
		problems = append(problems, "sync.push_retries: must not be negative")
	}
	if c.Sync.MergeWorkers < 1 {
		problems = append(problems, "sync.merge_workers: must be at least 1")
	}
	if !idPrefixPattern.MatchString(c.Display.IDPrefix) {
		problems = append(problems, fmt.Sprintf("display.id_prefix: %q must be 1-10 lowercase letters or digits, starting with a letter", c.Display.IDPrefix))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// fileConfig is the on-disk shape written by Save.
type fileConfig struct {
	TbdVersion string `yaml:"tbd_version"`
	Sync       struct {
		Branch       string `yaml:"branch"`
		Remote       string `yaml:"remote"`
		FetchTimeout string `yaml:"fetch_timeout"`
		PushTimeout  string `yaml:"push_timeout"`
		PushRetries  int    `yaml:"push_retries"`
		MergeWorkers int    `yaml:"merge_workers"`
		AutoRepair   bool   `yaml:"auto_repair"`
	} `yaml:"sync"`
	Display struct {
		IDPrefix string `yaml:"id_prefix"`
	} `yaml:"display"`
	Settings struct {
		AutoSync     bool `yaml:"auto_sync"`
		IndexEnabled bool `yaml:"index_enabled"`
	} `yaml:"settings"`
}

// Save writes cfg to <baseDir>/.tbd/config.yml.
func Save(baseDir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var f fileConfig
	f.TbdVersion = cfg.TbdVersion
	f.Sync.Branch = cfg.Sync.Branch
	f.Sync.Remote = cfg.Sync.Remote
	f.Sync.FetchTimeout = cfg.Sync.FetchTimeout.String()
	f.Sync.PushTimeout = cfg.Sync.PushTimeout.String()
	f.Sync.PushRetries = cfg.Sync.PushRetries
	f.Sync.MergeWorkers = cfg.Sync.MergeWorkers
	f.Sync.AutoRepair = cfg.Sync.AutoRepair
	f.Display.IDPrefix = cfg.Display.IDPrefix
	f.Settings.AutoSync = cfg.Settings.AutoSync
	f.Settings.IndexEnabled = cfg.Settings.IndexEnabled

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	path := paths.ConfigPath(baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return storage.AtomicWriteFile(path, data, 0o644)
}
