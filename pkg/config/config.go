// Package config loads the immutable configuration value handed to the
// orchestrator and its collaborators.
//
// Values come from, in increasing priority: built-in defaults, a TOML file,
// and a handful of environment variables. Command-line flags are applied by
// the CLI on top of the returned value. Nothing below this package reads the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

const appName = "paperbanana"

// Provider names.
const (
	ProviderOpenAI  = "openai"
	ProviderOffline = "offline"
)

// Backend names shared by [Cache] and [Store].
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendMongo = "mongo"
	BackendNone  = "none"
)

// Duration is a time.Duration that decodes from TOML strings such as "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete runtime configuration.
type Config struct {
	Provider string         `toml:"provider"`
	Models   Models         `toml:"models"`
	Service  Service        `toml:"service"`
	Retry    RetryPolicies  `toml:"retry"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Sandbox  Sandbox        `toml:"sandbox"`
	Cache    Cache          `toml:"cache"`
	Store    Store          `toml:"store"`
	Server   Server         `toml:"server"`
}

// Models names the model used for each capability.
type Models struct {
	Text   string `toml:"text"`   // retrieval scoring, planning, styling, plot code
	Vision string `toml:"vision"` // critique (image input)
	Image  string `toml:"image"`  // diagram synthesis
}

// Service configures the connection to the generation service.
type Service struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	CallTimeout       Duration `toml:"call_timeout"`
}

// RetryPolicies holds one policy per call class.
type RetryPolicies struct {
	Text  RetrySettings `toml:"text"`
	Image RetrySettings `toml:"image"`
}

// RetrySettings is the TOML form of a retry.Policy.
type RetrySettings struct {
	Attempts  int      `toml:"attempts"`
	BaseDelay Duration `toml:"base_delay"`
	MaxDelay  Duration `toml:"max_delay"`
	Jitter    float64  `toml:"jitter"`
}

// PipelineConfig bounds a run.
type PipelineConfig struct {
	MaxIterations int     `toml:"max_iterations"`
	TopK          int     `toml:"top_k"`
	OutputDir     string  `toml:"output_dir"`
	ReferenceDir  string  `toml:"reference_dir"`
	ImageWidth    int     `toml:"image_width"`
	ImageHeight   int     `toml:"image_height"`
	MinStyleRatio float64 `toml:"min_style_ratio"`
}

// Sandbox configures plot-code execution.
type Sandbox struct {
	Python  string   `toml:"python"`
	Timeout Duration `toml:"timeout"`
}

// Cache selects the retrieval cache backend.
type Cache struct {
	Backend  string   `toml:"backend"`
	Dir      string   `toml:"dir"`
	RedisURL string   `toml:"redis_url"`
	TTL      Duration `toml:"ttl"`
}

// Store selects the run index backend.
type Store struct {
	Backend       string `toml:"backend"`
	Dir           string `toml:"dir"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

// Server configures `paperbanana serve`.
type Server struct {
	Addr              string `toml:"addr"`
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: ProviderOpenAI,
		Models: Models{
			Text:   "gpt-4o",
			Vision: "gpt-4o",
			Image:  "gpt-image-1",
		},
		Service: Service{
			RequestsPerMinute: 60,
			CallTimeout:       Duration(2 * time.Minute),
		},
		Retry: RetryPolicies{
			Text:  RetrySettings{Attempts: 8, BaseDelay: Duration(2 * time.Second), MaxDelay: Duration(120 * time.Second), Jitter: 0.2},
			Image: RetrySettings{Attempts: 3, BaseDelay: Duration(time.Second), MaxDelay: Duration(10 * time.Second), Jitter: 0.2},
		},
		Pipeline: PipelineConfig{
			MaxIterations: 3,
			TopK:          10,
			OutputDir:     "outputs",
			ReferenceDir:  filepath.Join("data", "reference_sets"),
			ImageWidth:    1792,
			ImageHeight:   1024,
			MinStyleRatio: 0.5,
		},
		Sandbox: Sandbox{
			Python:  "python3",
			Timeout: Duration(60 * time.Second),
		},
		Cache: Cache{
			Backend: BackendFile,
			TTL:     Duration(7 * 24 * time.Hour),
		},
		Store: Store{
			Backend:       BackendFile,
			MongoDatabase: appName,
		},
		Server: Server{
			Addr:              ":8080",
			MaxConcurrentRuns: 4,
		},
	}
}

// Load reads the TOML file at path over the defaults and applies environment
// overrides. An empty path means DefaultPath(); a missing default file is not
// an error, a missing explicit file is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				// no config file: defaults
			} else {
				return Config{}, pberrors.Wrap(pberrors.ErrCodeValidation, err, "read config %s", path)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses TOML text over the defaults. Environment is not consulted.
func Decode(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, pberrors.Wrap(pberrors.ErrCodeValidation, err, "parse config")
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PAPERBANANA_API_KEY"); v != "" {
		c.Service.APIKey = v
	} else if v := getenv("OPENAI_API_KEY"); v != "" && c.Service.APIKey == "" {
		c.Service.APIKey = v
	}
	if v := getenv("PAPERBANANA_BASE_URL"); v != "" {
		c.Service.BaseURL = v
	}
	if v := getenv("PAPERBANANA_PROVIDER"); v != "" {
		c.Provider = v
	}
}

// Validate reports the first out-of-range value as a ValidationError.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderOffline:
	default:
		return pberrors.Validation("invalid provider: %q (must be one of: openai, offline)", c.Provider)
	}
	if c.Pipeline.MaxIterations < 1 {
		return pberrors.Validation("pipeline.max_iterations must be >= 1, got %d", c.Pipeline.MaxIterations)
	}
	if c.Pipeline.TopK < 1 {
		return pberrors.Validation("pipeline.top_k must be >= 1, got %d", c.Pipeline.TopK)
	}
	if c.Pipeline.ImageWidth <= 0 || c.Pipeline.ImageHeight <= 0 {
		return pberrors.Validation("pipeline image size must be positive, got %dx%d", c.Pipeline.ImageWidth, c.Pipeline.ImageHeight)
	}
	if c.Pipeline.MinStyleRatio < 0 || c.Pipeline.MinStyleRatio > 1 {
		return pberrors.Validation("pipeline.min_style_ratio must be in [0,1], got %g", c.Pipeline.MinStyleRatio)
	}
	for name, r := range map[string]RetrySettings{"text": c.Retry.Text, "image": c.Retry.Image} {
		if r.Attempts < 1 {
			return pberrors.Validation("retry.%s.attempts must be >= 1, got %d", name, r.Attempts)
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			return pberrors.Validation("retry.%s.jitter must be in [0,1], got %g", name, r.Jitter)
		}
	}
	switch c.Cache.Backend {
	case BackendFile, BackendNone:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return pberrors.Validation("cache.redis_url is required for the redis backend")
		}
	default:
		return pberrors.Validation("invalid cache backend: %q (must be one of: file, redis, none)", c.Cache.Backend)
	}
	switch c.Store.Backend {
	case BackendFile:
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return pberrors.Validation("store.mongo_uri is required for the mongo backend")
		}
	default:
		return pberrors.Validation("invalid store backend: %q (must be one of: file, mongo)", c.Store.Backend)
	}
	if c.Server.MaxConcurrentRuns < 1 {
		return pberrors.Validation("server.max_concurrent_runs must be >= 1, got %d", c.Server.MaxConcurrentRuns)
	}
	return nil
}

// RequireCredentials reports a ValidationError when the configured provider
// needs an API key and none is set.
func (c Config) RequireCredentials() error {
	if c.Provider == ProviderOpenAI && strings.TrimSpace(c.Service.APIKey) == "" {
		return pberrors.Validation("an API key is required: set OPENAI_API_KEY (or PAPERBANANA_API_KEY) or service.api_key")
	}
	return nil
}

// TextPolicy returns the retry policy for text, scoring and critique calls.
func (c Config) TextPolicy() retry.Policy {
	return c.Retry.Text.policy(c.Service.CallTimeout)
}

// ImagePolicy returns the retry policy for image synthesis calls.
func (c Config) ImagePolicy() retry.Policy {
	return c.Retry.Image.policy(c.Service.CallTimeout)
}

func (r RetrySettings) policy(timeout Duration) retry.Policy {
	return retry.Policy{
		Attempts:    r.Attempts,
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Jitter:      r.Jitter,
		CallTimeout: timeout.Std(),
	}
}

// String renders the configuration as TOML with the API key redacted.
func (c Config) String() string {
	if c.Service.APIKey != "" {
		c.Service.APIKey = "<redacted>"
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return b.String()
}

// =============================================================================
// Paths
// =============================================================================

// DefaultPath returns $XDG_CONFIG_HOME/paperbanana/config.toml
// (or ~/.config/paperbanana/config.toml).
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName, "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "config.toml"), nil
}

// CacheDir returns the configured cache directory, defaulting to the XDG
// cache location (~/.cache/paperbanana/).
func (c Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}

// StoreDir returns the configured run index directory, defaulting to
// ~/.local/share/paperbanana/runs.
func (c Config) StoreDir() (string, error) {
	if c.Store.Dir != "" {
		return c.Store.Dir, nil
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, appName, "runs"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName, "runs"), nil
}
