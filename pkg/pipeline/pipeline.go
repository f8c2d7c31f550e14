// Package pipeline orchestrates a paperbanana run.
//
// A run moves through an explicit state machine:
//
//	Init → Planning → Refining → {Succeeded | Failed}
//
// Planning calls the Retriever, Planner and Stylist once each, in order, and
// produces a [PlanningResult]. Refining alternates Visualizer and Critic,
// appending one [IterationRecord] per pass, until the Critic accepts or the
// iteration bound is reached. A Revise verdict on the last allowed pass still
// succeeds with that pass's image.
//
// Every transition is persisted to the run directory so an interrupted run
// can be resumed:
//
//	run_20260102_150405_a1b2c3/
//	├── request.json
//	├── state.json
//	├── planning.json
//	├── iter_1.png
//	├── iter_1_details.json
//	└── final_output.png
//
// # Usage
//
//	orch, err := pipeline.New(deps, pipeline.Options{
//	    OutputDir:  "outputs",
//	    References: refs,
//	})
//	if err != nil {
//	    return err
//	}
//	st, err := orch.Run(ctx, req)
//	if err != nil {
//	    // st.Phase and st.Reason describe the failure
//	}
//	fmt.Println(st.FinalImagePath())
package pipeline

import (
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/cache"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/config"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/sandbox"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultMaxIterations bounds the Visualize → Critique loop.
	DefaultMaxIterations = 3

	// MaxIterationsLimit is the largest accepted iteration bound.
	MaxIterationsLimit = 20

	// DefaultOutputDir is where run directories are created.
	DefaultOutputDir = "outputs"
)

// Reporter writes human-readable run reports into the run directory.
type Reporter interface {
	WriteReport(st *RunState, dir *RunDir) error
}

// =============================================================================
// Options - Orchestrator Configuration
// =============================================================================

// Options configures an [Orchestrator]. The zero value of every field is
// replaced by a default in ValidateAndSetDefaults.
type Options struct {
	MaxIterations int
	TopK          int
	OutputDir     string
	Width         int
	Height        int
	MinStyleRatio float64
	// Model is folded into retrieval cache keys.
	Model string

	// References holds the reference set per mode. A missing mode means an
	// empty set.
	References map[agents.Mode]*reference.Set

	Cache    cache.Cache
	Keyer    cache.Keyer
	CacheTTL time.Duration
	Executor sandbox.Executor
	Store    runstore.Store
	Reporter Reporter
	Logger   *log.Logger

	validated bool
}

// OptionsFromConfig maps the pipeline section of cfg onto Options.
// Collaborators (cache, executor, store, references) are left for the
// caller to set.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxIterations: cfg.Pipeline.MaxIterations,
		TopK:          cfg.Pipeline.TopK,
		OutputDir:     cfg.Pipeline.OutputDir,
		Width:         cfg.Pipeline.ImageWidth,
		Height:        cfg.Pipeline.ImageHeight,
		MinStyleRatio: cfg.Pipeline.MinStyleRatio,
		Model:         cfg.Models.Text,
		CacheTTL:      cfg.Cache.TTL.Std(),
	}
}

// ValidateAndSetDefaults checks ranges and applies defaults.
// This method is idempotent.
func (o *Options) ValidateAndSetDefaults() error {
	if o.validated {
		return nil
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxIterations < 1 || o.MaxIterations > MaxIterationsLimit {
		return pberrors.Validation("max iterations must be between 1 and %d, got %d", MaxIterationsLimit, o.MaxIterations)
	}
	if o.TopK < 0 {
		return pberrors.Validation("top-k must not be negative, got %d", o.TopK)
	}
	if o.TopK == 0 {
		o.TopK = agents.DefaultTopK
	}
	if o.Width < 0 || o.Height < 0 {
		return pberrors.Validation("image size must not be negative, got %dx%d", o.Width, o.Height)
	}
	if o.MinStyleRatio < 0 || o.MinStyleRatio > 1 {
		return pberrors.Validation("min style ratio must be within [0,1], got %g", o.MinStyleRatio)
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.Cache == nil {
		o.Cache = cache.NewNullCache()
	}
	if o.Keyer == nil {
		o.Keyer = cache.NewDefaultKeyer()
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = cache.TTLScores
	}
	if o.Logger == nil {
		o.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	o.validated = true
	return nil
}

func (o *Options) references(mode agents.Mode) *reference.Set {
	if set, ok := o.References[mode]; ok && set != nil {
		return set
	}
	return reference.Empty()
}
