package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for projmem.
type Config struct {
	ServerName              string    `yaml:"server_name"`
	DataDir                 string    `yaml:"data_dir"`
	DBPath                  string    `yaml:"db_path"`
	LogLevel                string    `yaml:"log_level"`
	FreshnessWindowSeconds  int       `yaml:"freshness_window_seconds"`
	TreeDepth               int       `yaml:"tree_depth"`
	AutosaveIntervalSeconds int       `yaml:"autosave_interval_seconds"`
	RecentChangesLimit      int       `yaml:"recent_changes_limit"`
	WatchDebounceMillis     int       `yaml:"watch_debounce_ms"`
	HTTPAddr                string    `yaml:"http_addr"`
	DefaultProvider         string    `yaml:"default_provider"`
	Providers               Providers `yaml:"providers"`
}

// Providers holds one section per provider kind.
type Providers struct {
	OpenAI    ProviderSection `yaml:"openai"`
	Anthropic ProviderSection `yaml:"anthropic"`
	Google    ProviderSection `yaml:"google"`
	Local     ProviderSection `yaml:"local"`
	G4F       ProviderSection `yaml:"g4f"`
}

// ProviderSection is the YAML shape of a provider block, and the JSON shape
// transports accept. Which fields apply depends on the provider; the provider
// package turns a section into a typed configuration.
type ProviderSection struct {
	APIKey            string  `yaml:"api_key" json:"apiKey,omitempty"`
	BaseURL           string  `yaml:"base_url" json:"baseURL,omitempty"`
	Endpoint          string  `yaml:"endpoint" json:"endpoint,omitempty"`
	ServerURL         string  `yaml:"server_url" json:"serverURL,omitempty"`
	Model             string  `yaml:"model" json:"model,omitempty"`
	Temperature       float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens         int     `yaml:"max_tokens" json:"maxTokens,omitempty"`
	TopP              float64 `yaml:"top_p" json:"topP,omitempty"`
	TopK              int     `yaml:"top_k" json:"topK,omitempty"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" json:"timeoutSeconds,omitempty"`
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requestsPerMinute,omitempty"`
	CPUOnly           bool    `yaml:"cpu_only" json:"cpuOnly,omitempty"`
	GPULayers         int     `yaml:"gpu_layers" json:"gpuLayers,omitempty"`
	ContextWindow     int     `yaml:"context_window" json:"contextWindow,omitempty"`
	// Probe tests the connection before the section is accepted.
	Probe bool `yaml:"probe" json:"probe,omitempty"`
}

// Enabled reports whether the section carries anything worth configuring.
func (s ProviderSection) Enabled() bool {
	return s.APIKey != "" || s.Endpoint != "" || s.ServerURL != ""
}

// Section returns the block for a provider id.
func (p Providers) Section(id string) (ProviderSection, bool) {
	switch id {
	case "openai":
		return p.OpenAI, true
	case "anthropic":
		return p.Anthropic, true
	case "google":
		return p.Google, true
	case "local":
		return p.Local, true
	case "g4f":
		return p.G4F, true
	}
	return ProviderSection{}, false
}

var knownProviders = []string{"openai", "anthropic", "google", "local", "g4f"}

// Default is the configuration used when no file exists. Everything lives
// under ~/.projmem and only the G4F server has a preset address.
func Default() Config {
	home := userHomeDir()
	return Config{
		ServerName:              "projmem",
		DataDir:                 filepath.Join(home, ".projmem", "memory"),
		DBPath:                  filepath.Join(home, ".projmem", "ledger.db"),
		LogLevel:                "info",
		FreshnessWindowSeconds:  300,
		TreeDepth:               3,
		AutosaveIntervalSeconds: 120,
		RecentChangesLimit:      50,
		WatchDebounceMillis:     250,
		HTTPAddr:                "127.0.0.1:7421",
		Providers: Providers{
			G4F: ProviderSection{ServerURL: "http://localhost:1337"},
		},
	}
}

// Load reads the YAML file at path over Default. ${NAME} references are
// replaced from the environment first. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnv(string(b))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.FreshnessWindowSeconds <= 0 {
		return errors.New("freshness_window_seconds must be > 0")
	}
	if c.TreeDepth <= 0 {
		return errors.New("tree_depth must be > 0")
	}
	if c.AutosaveIntervalSeconds < 0 {
		return errors.New("autosave_interval_seconds must be >= 0")
	}
	if c.RecentChangesLimit <= 0 {
		return errors.New("recent_changes_limit must be > 0")
	}
	if c.WatchDebounceMillis < 0 {
		return errors.New("watch_debounce_ms must be >= 0")
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers.Section(c.DefaultProvider); !ok {
			return fmt.Errorf("default_provider %q is not one of %s", c.DefaultProvider, strings.Join(knownProviders, ", "))
		}
	}
	return nil
}

// EnsurePaths creates the storage root and the parent directory of the ledger database.
func (c *Config) EnsurePaths() error {
	c.DataDir = ExpandPath(c.DataDir)
	c.DBPath = ExpandPath(c.DBPath)
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	return nil
}

// FreshnessWindow returns the cache freshness window as a duration.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowSeconds) * time.Second
}

// AutosaveInterval returns zero when autosave is disabled.
func (c Config) AutosaveInterval() time.Duration {
	return time.Duration(c.AutosaveIntervalSeconds) * time.Second
}

// WatchDebounce returns the change tracker debounce.
func (c Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMillis) * time.Millisecond
}

// ExpandPath resolves a leading ~ against the home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references. Bare $NAME is left alone.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
