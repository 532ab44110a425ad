package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	appDir                 = "trendmoon"
	defaultCacheMinutes    = 60
	defaultTimeout         = 10 * time.Second
	defaultRetries         = 2
	defaultLogLevel        = "warn"
	defaultServerAPIKeyEnv = "TRENDMOON_API_KEY"
)

type GlobalFlags struct {
	ConfigPath    string
	JSON          bool
	Plain         bool
	Select        string
	ResultsOnly   bool
	Timeout       string
	Retries       int
	LogLevel      string
	CacheDir      string
	NoDiskCache   bool
	NoTokenSearch bool
}

type Settings struct {
	OutputMode       string
	SelectFields     []string
	ResultsOnly      bool
	Timeout          time.Duration
	Retries          int
	LogLevel         string
	CacheDir         string
	CacheLockPath    string
	CacheDuration    time.Duration
	DiskCacheEnabled bool
	StaticDir        string
	AliasTablesPath  string
	TokenSearch      bool
	ServerCommand    string
	ServerURL        string
	APIKey           string
}

type fileConfig struct {
	Output      string `yaml:"output"`
	ResultsOnly *bool  `yaml:"results_only"`
	Select      string `yaml:"select"`
	Timeout     string `yaml:"timeout"`
	Retries     *int   `yaml:"retries"`
	LogLevel    string `yaml:"log_level"`
	Cache       struct {
		DurationMinutes *int   `yaml:"duration_minutes"`
		Dir             string `yaml:"dir"`
		DiskEnabled     *bool  `yaml:"disk_enabled"`
	} `yaml:"cache"`
	StaticDir   string `yaml:"static_dir"`
	AliasTables string `yaml:"alias_tables"`
	TokenSearch *bool  `yaml:"token_search"`
	Server      struct {
		Command   string `yaml:"command"`
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"server"`
}

// envConfig is the environment layer. Pointer fields stay nil when the variable is unset.
type envConfig struct {
	Output               *string        `env:"TRENDMOON_OUTPUT"`
	Timeout              *time.Duration `env:"TRENDMOON_TIMEOUT"`
	Retries              *int           `env:"TRENDMOON_RETRIES"`
	LogLevel             *string        `env:"TRENDMOON_LOG_LEVEL"`
	CacheDir             *string        `env:"TRENDMOON_CACHE_DIR"`
	CacheDurationMinutes *int           `env:"ENTITY_CACHE_DURATION_MINUTES"`
	DiskCache            *bool          `env:"TRENDMOON_DISK_CACHE"`
	StaticDir            *string        `env:"TRENDMOON_STATIC_DIR"`
	AliasTables          *string        `env:"TRENDMOON_ALIAS_TABLES"`
	TokenSearch          *bool          `env:"TRENDMOON_TOKEN_SEARCH"`
	ServerCommand        *string        `env:"TRENDMOON_SERVER_COMMAND"`
	ServerURL            *string        `env:"TRENDMOON_SERVER_URL"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = defaultTimeout
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.CacheDuration <= 0 {
		settings.CacheDuration = defaultCacheMinutes * time.Minute
	}
	settings.CacheLockPath = filepath.Join(settings.CacheDir, "snapshots.lock")

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cacheDir, err := defaultCacheDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		Timeout:          defaultTimeout,
		Retries:          defaultRetries,
		LogLevel:         defaultLogLevel,
		CacheDir:         cacheDir,
		CacheDuration:    defaultCacheMinutes * time.Minute,
		DiskCacheEnabled: true,
		TokenSearch:      true,
		APIKey:           os.Getenv(defaultServerAPIKeyEnv),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDir, "config.yaml"), nil
}

func defaultCacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, appDir), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.ResultsOnly != nil {
		settings.ResultsOnly = *cfg.ResultsOnly
	}
	if cfg.Select != "" {
		settings.SelectFields = splitList(cfg.Select)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Cache.DurationMinutes != nil && *cfg.Cache.DurationMinutes > 0 {
		settings.CacheDuration = time.Duration(*cfg.Cache.DurationMinutes) * time.Minute
	}
	if cfg.Cache.Dir != "" {
		settings.CacheDir = cfg.Cache.Dir
	}
	if cfg.Cache.DiskEnabled != nil {
		settings.DiskCacheEnabled = *cfg.Cache.DiskEnabled
	}
	if cfg.StaticDir != "" {
		settings.StaticDir = cfg.StaticDir
	}
	if cfg.AliasTables != "" {
		settings.AliasTablesPath = cfg.AliasTables
	}
	if cfg.TokenSearch != nil {
		settings.TokenSearch = *cfg.TokenSearch
	}
	if cfg.Server.Command != "" {
		settings.ServerCommand = cfg.Server.Command
	}
	if cfg.Server.URL != "" {
		settings.ServerURL = cfg.Server.URL
	}
	if cfg.Server.APIKey != "" {
		settings.APIKey = cfg.Server.APIKey
	}
	if cfg.Server.APIKeyEnv != "" {
		settings.APIKey = os.Getenv(cfg.Server.APIKeyEnv)
	}

	return nil
}

func applyEnv(settings *Settings) error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Output != nil && *cfg.Output != "" {
		settings.OutputMode = strings.ToLower(*cfg.Output)
	}
	if cfg.Timeout != nil {
		settings.Timeout = *cfg.Timeout
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != nil && *cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(*cfg.LogLevel)
	}
	if cfg.CacheDir != nil && *cfg.CacheDir != "" {
		settings.CacheDir = *cfg.CacheDir
	}
	if cfg.CacheDurationMinutes != nil && *cfg.CacheDurationMinutes > 0 {
		settings.CacheDuration = time.Duration(*cfg.CacheDurationMinutes) * time.Minute
	}
	if cfg.DiskCache != nil {
		settings.DiskCacheEnabled = *cfg.DiskCache
	}
	if cfg.StaticDir != nil && *cfg.StaticDir != "" {
		settings.StaticDir = *cfg.StaticDir
	}
	if cfg.AliasTables != nil && *cfg.AliasTables != "" {
		settings.AliasTablesPath = *cfg.AliasTables
	}
	if cfg.TokenSearch != nil {
		settings.TokenSearch = *cfg.TokenSearch
	}
	if cfg.ServerCommand != nil && *cfg.ServerCommand != "" {
		settings.ServerCommand = *cfg.ServerCommand
	}
	if cfg.ServerURL != nil && *cfg.ServerURL != "" {
		settings.ServerURL = *cfg.ServerURL
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	if flags.ResultsOnly {
		settings.ResultsOnly = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.CacheDir != "" {
		settings.CacheDir = flags.CacheDir
	}
	if flags.NoDiskCache {
		settings.DiskCacheEnabled = false
	}
	if flags.NoTokenSearch {
		settings.TokenSearch = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(in string) []string {
	parts := strings.Split(in, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
