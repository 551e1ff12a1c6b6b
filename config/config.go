package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wesm/issue-sync/internal/api"
	"github.com/wesm/issue-sync/internal/logger"
	"github.com/wesm/issue-sync/internal/models"
	"github.com/wesm/issue-sync/internal/sync"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "GITHUB_TOKEN"
	// EnvJiraBaseURL is the environment variable name for the JIRA server
	EnvJiraBaseURL = "JIRA_BASE_URL"
	// EnvDataDir is the environment variable name for the store root
	EnvDataDir = "ISSUES_DATA_DIR"
	// EnvPrefix prefixes every other key when set from the environment
	EnvPrefix = "ISSUE_SYNC"
)

// Config represents the application configuration
type Config struct {
	// Root directory of the per-repository stores
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// GitHub API token, required for GitHub targets (can be set via GITHUB_TOKEN)
	GitHubToken string `json:"github_token,omitempty" mapstructure:"github_token"`

	// JIRA server base URL (can be set via JIRA_BASE_URL)
	JiraBaseURL string `json:"jira_base_url,omitempty" mapstructure:"jira_base_url"`
	// IANA zone the JIRA server interprets JQL dates in
	JiraTimeZone string `json:"jira_timezone,omitempty" mapstructure:"jira_timezone"`

	// Targets synced by sync --all, "owner/name" or "platform:owner/name"
	Repositories []string `json:"repositories" mapstructure:"repositories"`

	SortField      string `json:"sort_field" mapstructure:"sort_field"`
	PageSize       int    `json:"page_size" mapstructure:"page_size"`
	MaxRetries     int    `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay string `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  string `json:"retry_max_delay" mapstructure:"retry_max_delay"`
	PageDelay      string `json:"page_delay" mapstructure:"page_delay"`
	Workers        int    `json:"workers" mapstructure:"workers"`

	LogLevel  string `json:"log_level" mapstructure:"log_level"`
	LogFormat string `json:"log_format" mapstructure:"log_format"`
	LogFile   string `json:"log_file,omitempty" mapstructure:"log_file"`

	// directory of the loaded file, relative data dirs resolve against it
	baseDir string
}

// Default returns the configuration used for keys that are not set
func Default() *Config {
	return &Config{
		DataDir:        "data",
		JiraTimeZone:   "UTC",
		Repositories:   []string{},
		SortField:      string(models.SortUpdated),
		PageSize:       100,
		MaxRetries:     5,
		RetryBaseDelay: "1s",
		RetryMaxDelay:  "15m",
		PageDelay:      "0s",
		Workers:        4,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("github_token", "")
	v.SetDefault("jira_base_url", "")
	v.SetDefault("jira_timezone", d.JiraTimeZone)
	v.SetDefault("repositories", d.Repositories)
	v.SetDefault("sort_field", d.SortField)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("retry_max_delay", d.RetryMaxDelay)
	v.SetDefault("page_delay", d.PageDelay)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", "")
}

// LoadConfig loads the configuration from a JSON file with environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"github_token":  EnvGithubToken,
		"jira_base_url": EnvJiraBaseURL,
		"data_dir":      EnvDataDir,
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.baseDir = filepath.Dir(path)
	return &config, nil
}

// LoadEnvFile loads KEY=value pairs from a .env file into the environment.
// Variables already set win, and a missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	config := Default()
	config.Repositories = []string{"example/repo"}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}

// AddRepository appends a target unless an equivalent one is present.
// It reports whether the list changed.
func (c *Config) AddRepository(repo string) (bool, error) {
	target, err := sync.ParseTarget(repo)
	if err != nil {
		return false, err
	}
	for _, existing := range c.Repositories {
		if t, err := sync.ParseTarget(existing); err == nil && t == target {
			return false, nil
		}
	}
	c.Repositories = append(c.Repositories, repo)
	return true, nil
}

// DataPath returns the store root, resolving a relative data dir against the config file
func (c *Config) DataPath() string {
	if filepath.IsAbs(c.DataDir) || c.baseDir == "" {
		return c.DataDir
	}
	return filepath.Join(c.baseDir, c.DataDir)
}

// Targets parses the configured repositories
func (c *Config) Targets() ([]sync.Target, error) {
	targets := make([]sync.Target, 0, len(c.Repositories))
	for _, repo := range c.Repositories {
		t, err := sync.ParseTarget(repo)
		if err != nil {
			return nil, fmt.Errorf("invalid repository %q in config: %w", repo, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// ProviderConfig returns the settings shared by all providers
func (c *Config) ProviderConfig() (api.ProviderConfig, error) {
	tz := c.JiraTimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return api.ProviderConfig{}, fmt.Errorf("invalid jira_timezone %q: %w", tz, err)
	}
	return api.ProviderConfig{
		GitHubToken:  c.GitHubToken,
		JiraBaseURL:  c.JiraBaseURL,
		JiraTimeZone: loc,
		PageSize:     c.PageSize,
	}, nil
}

// SyncOptions returns the run settings; callers layer per-run flags on top
func (c *Config) SyncOptions() (sync.Options, error) {
	opts := sync.DefaultOptions()

	sortField, err := models.ParseSortField(c.SortField)
	if err != nil {
		return opts, err
	}
	opts.SortField = sortField
	opts.MaxRetries = c.MaxRetries

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"retry_base_delay", c.RetryBaseDelay, &opts.BaseDelay},
		{"retry_max_delay", c.RetryMaxDelay, &opts.MaxDelay},
		{"page_delay", c.PageDelay, &opts.PageDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = parsed
	}
	return opts, nil
}

// LoggerOptions returns the logging settings
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}
}
