package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/buildinfo"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/cache"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/config"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai/offline"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai/openai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/report"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/sandbox"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "paperbanana"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	flags globalFlags
}

// globalFlags are the persistent flags shared by every command. Zero values
// leave the configuration file untouched.
type globalFlags struct {
	configPath   string
	provider     string
	outputDir    string
	referenceDir string
	iterations   int
	noCache      bool
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "PaperBanana generates academic method diagrams and statistical plots",
		Long: `PaperBanana turns a methodology section and a figure caption (or raw data and
a visual intent) into a publication-ready figure. A planning phase retrieves
reference examples, drafts a figure description and polishes it; a refinement
loop then renders, critiques and revises the figure a bounded number of times.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/paperbanana/config.toml)")
	pf.StringVar(&c.flags.provider, "provider", "", "generation provider: openai or offline")
	pf.StringVarP(&c.flags.outputDir, "output-dir", "o", "", "directory that receives run directories")
	pf.StringVar(&c.flags.referenceDir, "reference-dir", "", "reference set directory")
	pf.IntVarP(&c.flags.iterations, "iterations", "n", 0, "maximum refinement iterations")
	pf.BoolVar(&c.flags.noCache, "no-cache", false, "disable the retrieval cache")

	root.AddCommand(c.generateCommand())
	root.AddCommand(c.plotCommand())
	root.AddCommand(c.resumeCommand())
	root.AddCommand(c.runsCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.configCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Configuration
// =============================================================================

// loadConfig reads the configuration file and applies flag overrides.
func (c *CLI) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	c.flags.apply(&cfg)
	return cfg, cfg.Validate()
}

func (f globalFlags) apply(cfg *config.Config) {
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.outputDir != "" {
		cfg.Pipeline.OutputDir = f.outputDir
	}
	if f.referenceDir != "" {
		cfg.Pipeline.ReferenceDir = f.referenceDir
	}
	if f.iterations != 0 {
		cfg.Pipeline.MaxIterations = f.iterations
	}
	if f.noCache {
		cfg.Cache.Backend = config.BackendNone
	}
}

// =============================================================================
// Factories
// =============================================================================

// newService returns the generation provider selected by cfg.
func newService(cfg config.Config, logger *log.Logger) (genai.Service, error) {
	switch cfg.Provider {
	case config.ProviderOffline:
		return offline.New(logger), nil
	default:
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
		return openai.New(cfg, logger), nil
	}
}

// newCache opens the retrieval cache backend. A file cache that cannot be
// created degrades to no caching.
func newCache(ctx context.Context, cfg config.Config, logger *log.Logger) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.BackendNone:
		return cache.NewNullCache(), nil
	case config.BackendRedis:
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		dir, err := cfg.CacheDir()
		if err != nil {
			logger.Warn("cache disabled", "err", err)
			return cache.NewNullCache(), nil
		}
		fc, err := cache.NewFileCache(dir)
		if err != nil {
			logger.Warn("cache disabled", "dir", dir, "err", err)
			return cache.NewNullCache(), nil
		}
		return fc, nil
	}
}

// newStore opens the run index backend.
func newStore(ctx context.Context, cfg config.Config) (runstore.Store, error) {
	if cfg.Store.Backend == config.BackendMongo {
		ms, err := runstore.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return ms, nil
	}
	dir, err := cfg.StoreDir()
	if err != nil {
		return nil, fmt.Errorf("get store dir: %w", err)
	}
	fs, err := runstore.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// engine bundles an orchestrator with the resources it holds open.
type engine struct {
	*pipeline.Orchestrator
	cfg   config.Config
	store runstore.Store
	cache cache.Cache
}

// Close releases the cache and the run index.
func (e *engine) Close() error {
	var firstErr error
	for _, cl := range []io.Closer{e.cache, e.store} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newEngine wires every collaborator of the orchestrator from cfg.
func newEngine(ctx context.Context, cfg config.Config, logger *log.Logger) (*engine, error) {
	svc, err := newService(cfg, logger)
	if err != nil {
		return nil, err
	}
	refs, err := pipeline.LoadReferences(cfg.Pipeline.ReferenceDir)
	if err != nil {
		return nil, err
	}
	for mode, set := range refs {
		logger.Debug("reference set loaded", "mode", mode, "examples", set.Len())
	}

	e := &engine{cfg: cfg}
	if e.cache, err = newCache(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if e.store, err = newStore(ctx, cfg); err != nil {
		e.Close()
		return nil, err
	}

	opts := pipeline.OptionsFromConfig(cfg)
	opts.References = refs
	opts.Cache = e.cache
	opts.Executor = sandbox.NewPython(cfg.Sandbox.Python, cfg.Sandbox.Timeout.Std(), logger)
	opts.Store = e.store
	opts.Reporter = report.New()
	opts.Logger = logger

	deps := agents.Deps{
		Service: svc,
		Text:    cfg.TextPolicy(),
		Image:   cfg.ImagePolicy(),
		Logger:  logger,
	}
	if e.Orchestrator, err = pipeline.New(deps, opts); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
