package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/observability"
)

// Orchestrator drives runs through planning and refinement.
//
// The Orchestrator holds no per-run state. Multiple goroutines can execute
// independent runs on the same Orchestrator concurrently; each run owns its
// RunState and directory.
type Orchestrator struct {
	deps agents.Deps
	opts Options
	now  func() time.Time
}

// New creates an orchestrator. deps.Service is required.
func New(deps agents.Deps, opts Options) (*Orchestrator, error) {
	if deps.Service == nil {
		return nil, pberrors.Validation("generation service is required")
	}
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = opts.Logger
	}
	return &Orchestrator{deps: deps, opts: opts, now: time.Now}, nil
}

// Options returns the validated options.
func (o *Orchestrator) Options() Options { return o.opts }

// stages are the agents bound to one run's logger.
type stages struct {
	retriever  *agents.Retriever
	planner    *agents.Planner
	stylist    *agents.Stylist
	visualizer *agents.Visualizer
	critic     *agents.Critic
}

func (o *Orchestrator) stages(logger *log.Logger) stages {
	d := o.deps
	d.Logger = logger
	r := agents.NewRetriever(d, o.opts.Cache, o.opts.Keyer, o.opts.TopK, o.opts.Model)
	r.TTL = o.opts.CacheTTL
	return stages{
		retriever:  r,
		planner:    agents.NewPlanner(d),
		stylist:    agents.NewStylist(d, o.opts.MinStyleRatio),
		visualizer: agents.NewVisualizer(d, o.opts.Executor, o.opts.Width, o.opts.Height),
		critic:     agents.NewCritic(d),
	}
}

// Run executes a complete run for req. The returned state is non-nil
// whenever a run directory was created, including for failed runs; the
// error then carries the failing phase.
func (o *Orchestrator) Run(ctx context.Context, req agents.Request) (*RunState, error) {
	st, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, o.Execute(ctx, st)
}

// Prepare validates req, creates the run directory and persists the
// initial state. Invalid requests fail before anything is written.
func (o *Orchestrator) Prepare(ctx context.Context, req agents.Request) (*RunState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := o.now()
	id := NewRunID(now)
	dir, err := CreateRunDir(o.opts.OutputDir, id)
	if err != nil {
		return nil, err
	}
	st := &RunState{
		RunID:         id,
		Mode:          req.Mode,
		Goal:          req.Goal(),
		Status:        StatusInit,
		MaxIterations: o.opts.MaxIterations,
		Iterations:    []IterationRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
		Dir:           dir.Path(),
		Request:       req,
	}
	if err := dir.WriteJSON(FileRequest, req); err != nil {
		return nil, err
	}
	if err := dir.WriteJSON(FileState, st); err != nil {
		return nil, err
	}
	o.record(ctx, st)
	return st, nil
}

// Execute drives a prepared or resumed run to a terminal state. When ctx
// is cancelled the run stays in its current non-terminal state and can be
// resumed later.
func (o *Orchestrator) Execute(ctx context.Context, st *RunState) error {
	if st.Status.Terminal() {
		return st.Err()
	}
	dir := &RunDir{path: st.Dir}
	logger := o.opts.Logger.With("run", st.RunID)
	s := o.stages(o.deps.Logger.With("run", st.RunID))

	logger.Info("starting run", "mode", st.Mode, "status", st.Status, "max_iterations", st.MaxIterations)

	if st.Planning == nil {
		if err := o.plan(ctx, st, dir, s, logger); err != nil {
			return err
		}
	}
	return o.refine(ctx, st, dir, s, logger)
}

func (o *Orchestrator) plan(ctx context.Context, st *RunState, dir *RunDir, s stages, logger *log.Logger) error {
	st.Iterations = []IterationRecord{}
	st.Working = Refinement{}
	if err := o.advance(st, dir, StatusPlanning); err != nil {
		return err
	}
	hooks := observability.Pipeline()
	hooks.OnPhaseStart(ctx, st.RunID, PhasePlanning)
	phaseStart := time.Now()

	fail := func(stage string, err error) error {
		hooks.OnPhaseComplete(ctx, st.RunID, PhasePlanning, time.Since(phaseStart), err)
		if ctx.Err() != nil {
			return o.interrupt(ctx, st, dir, ctx.Err())
		}
		return o.fail(ctx, st, dir, logger, PhasePlanning, stage, err)
	}

	t := time.Now()
	refs := o.opts.references(st.Mode)
	examples, cached, err := s.retriever.RetrieveWithCacheInfo(ctx, st.Request, refs)
	if err != nil {
		return fail("retrieve", err)
	}
	logger.Info("retrieved examples", "selected", len(examples), "available", refs.Len(), "cached", cached,
		"duration", secs(st.timing("retrieve", t)))

	t = time.Now()
	description, err := s.planner.Plan(ctx, st.Request, examples)
	if err != nil {
		return fail("plan", err)
	}
	logger.Info("planned figure", "chars", len(description), "duration", secs(st.timing("plan", t)))

	t = time.Now()
	styled, err := s.stylist.Style(ctx, st.Request, description)
	if err != nil {
		return fail("style", err)
	}
	logger.Info("styled description", "chars", len(styled), "duration", secs(st.timing("style", t)))

	st.Planning = &PlanningResult{
		SelectedExamples:  examples,
		Description:       description,
		StyledDescription: styled,
		RetrievalCached:   cached,
	}
	artifact := struct {
		SelectedIDs []string `json:"selected_example_ids"`
		*PlanningResult
	}{st.Planning.SelectedIDs(), st.Planning}
	if err := dir.WriteJSON(FilePlanning, artifact); err != nil {
		return fail("", err)
	}
	st.Working = Refinement{Base: styled}
	hooks.OnPhaseComplete(ctx, st.RunID, PhasePlanning, time.Since(phaseStart), nil)
	return nil
}

func (o *Orchestrator) refine(ctx context.Context, st *RunState, dir *RunDir, s stages, logger *log.Logger) error {
	if err := o.advance(st, dir, StatusRefining); err != nil {
		return err
	}
	hooks := observability.Pipeline()
	hooks.OnPhaseStart(ctx, st.RunID, PhaseRefining)
	phaseStart := time.Now()
	done := func(err error) {
		hooks.OnPhaseComplete(ctx, st.RunID, PhaseRefining, time.Since(phaseStart), err)
	}

	// A record left without a verdict is redone from scratch.
	if last := st.lastRecord(); last != nil && last.Provisional() {
		st.Iterations = st.Iterations[:len(st.Iterations)-1]
	}

	var (
		notice        string
		lastRenderErr error
	)
	if last := st.lastRecord(); last != nil {
		switch last.Verdict {
		case VerdictAccept:
			done(nil)
			return o.succeed(ctx, st, dir, logger, true)
		case VerdictRenderFailed:
			notice = renderNotice(last.RenderError)
		}
	}

	for i := len(st.Iterations) + 1; i <= st.MaxIterations; i++ {
		iterStart := time.Now()
		ilog := logger.With("iteration", i)
		description := st.Working.Description()

		img, err := s.visualizer.Render(ctx, st.Request, description)
		if err != nil {
			if ctx.Err() != nil {
				done(ctx.Err())
				return o.interrupt(ctx, st, dir, ctx.Err())
			}
			if !pberrors.Is(err, pberrors.ErrCodeRender) {
				done(err)
				return o.fail(ctx, st, dir, logger, PhaseRefining, "visualize", err)
			}
			rec := IterationRecord{
				Index:       i,
				Description: description,
				Verdict:     VerdictRenderFailed,
				RenderError: pberrors.UserMessage(err),
			}
			rec.Seconds = st.timing("visualize", iterStart)
			if err := o.appendRecord(st, dir, rec); err != nil {
				done(err)
				return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
			}
			ilog.Warn("render failed", "err", rec.RenderError)
			hooks.OnIteration(ctx, st.RunID, i, string(VerdictRenderFailed), time.Since(iterStart))
			notice = renderNotice(rec.RenderError)
			lastRenderErr = err
			continue
		}
		renderSecs := st.timing("visualize", iterStart)

		name := IterationImage(i)
		if err := dir.WriteFile(name, img); err != nil {
			done(err)
			return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
		}
		st.Iterations = append(st.Iterations, IterationRecord{Index: i, Image: name, Description: description})
		st.UpdatedAt = o.now()
		if err := dir.WriteJSON(FileState, st); err != nil {
			done(err)
			return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
		}
		ilog.Info("rendered image", "file", name, "bytes", len(img), "duration", secs(renderSecs))

		critStart := time.Now()
		critique, err := s.critic.Review(ctx, st.Request, img, description, notice)
		if err != nil {
			if ctx.Err() != nil {
				done(ctx.Err())
				return o.interrupt(ctx, st, dir, ctx.Err())
			}
			done(err)
			return o.fail(ctx, st, dir, logger, PhaseRefining, "critique", err)
		}
		st.timing("critique", critStart)
		notice = ""
		lastRenderErr = nil

		rec := st.lastRecord()
		rec.Verdict = verdictOf(critique)
		rec.Suggestions = critique.Suggestions
		rec.RevisedDescription = critique.RevisedDescription
		rec.Seconds = time.Since(iterStart).Seconds()
		if err := dir.WriteJSON(IterationDetails(i), rec); err != nil {
			done(err)
			return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
		}
		hooks.OnIteration(ctx, st.RunID, i, string(rec.Verdict), time.Since(iterStart))
		ilog.Info("critic verdict", "verdict", rec.Verdict, "suggestions", len(rec.Suggestions), "duration", secs(rec.Seconds))

		if rec.Verdict == VerdictAccept {
			done(nil)
			return o.succeed(ctx, st, dir, logger, true)
		}
		st.Working = st.Working.Apply(critique)
		st.UpdatedAt = o.now()
		if err := dir.WriteJSON(FileState, st); err != nil {
			done(err)
			return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
		}
	}

	// Iteration bound reached.
	if last := st.lastRecord(); last != nil && last.Verdict == VerdictRenderFailed {
		if lastRenderErr == nil {
			lastRenderErr = pberrors.Render(nil, "%s", last.RenderError)
		}
		done(lastRenderErr)
		return o.fail(ctx, st, dir, logger, PhaseRefining, "visualize", lastRenderErr)
	}
	if st.LastImage() == "" {
		err := pberrors.New(pberrors.ErrCodeInternal, "no image rendered")
		done(err)
		return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
	}
	logger.Info("iteration limit reached without acceptance, using last image", "iterations", len(st.Iterations))
	done(nil)
	return o.succeed(ctx, st, dir, logger, false)
}

func (o *Orchestrator) appendRecord(st *RunState, dir *RunDir, rec IterationRecord) error {
	st.Iterations = append(st.Iterations, rec)
	st.UpdatedAt = o.now()
	if err := dir.WriteJSON(IterationDetails(rec.Index), rec); err != nil {
		return err
	}
	return dir.WriteJSON(FileState, st)
}

func (o *Orchestrator) advance(st *RunState, dir *RunDir, to Status) error {
	if err := st.transition(to, o.now()); err != nil {
		return err
	}
	return dir.WriteJSON(FileState, st)
}

func (o *Orchestrator) succeed(ctx context.Context, st *RunState, dir *RunDir, logger *log.Logger, converged bool) error {
	last := st.LastImage()
	data, err := dir.ReadFile(last)
	if err != nil {
		return o.fail(ctx, st, dir, logger, PhaseRefining, "", fmt.Errorf("read %s: %w", last, err))
	}
	if err := dir.WriteFile(FileFinal, data); err != nil {
		return o.fail(ctx, st, dir, logger, PhaseRefining, "", err)
	}
	st.FinalImage = FileFinal
	st.Converged = converged
	if err := st.transition(StatusSucceeded, o.now()); err != nil {
		return err
	}
	logger.Info("run succeeded", "iterations", len(st.Iterations), "converged", converged, "final", st.FinalImagePath())
	o.finish(ctx, st, dir, logger)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, st *RunState, dir *RunDir, logger *log.Logger, phase, stage string, err error) error {
	st.Phase = phase
	st.Stage = stage
	st.ErrorCode = string(pberrors.GetCode(err))
	if st.ErrorCode == "" {
		st.ErrorCode = string(pberrors.ErrCodeInternal)
	}
	st.Reason = pberrors.UserMessage(err)
	if st.FinalImage == "" {
		st.FinalImage = st.LastImage()
	}
	if terr := st.transition(StatusFailed, o.now()); terr != nil {
		return errors.Join(terr, err)
	}
	logger.Error("run failed", "phase", phase, "stage", stage, "err", st.Reason)
	o.finish(ctx, st, dir, logger)
	if stage != "" {
		err = pberrors.InPhase(stage, err)
	}
	return pberrors.InPhase(phase, err)
}

// interrupt persists a cancelled run as-is so it can be resumed.
func (o *Orchestrator) interrupt(ctx context.Context, st *RunState, dir *RunDir, err error) error {
	st.UpdatedAt = o.now()
	_ = dir.WriteJSON(FileState, st)
	o.record(context.WithoutCancel(ctx), st)
	return err
}

func (o *Orchestrator) finish(ctx context.Context, st *RunState, dir *RunDir, logger *log.Logger) {
	if err := dir.WriteJSON(FileState, st); err != nil {
		logger.Warn("could not persist final state", "err", err)
	}
	if o.opts.Reporter != nil {
		if err := o.opts.Reporter.WriteReport(st, dir); err != nil {
			logger.Warn("could not write report", "err", err)
		}
	}
	o.record(context.WithoutCancel(ctx), st)
	var total time.Duration
	if st.FinishedAt != nil {
		total = st.FinishedAt.Sub(st.CreatedAt)
	}
	observability.Pipeline().OnRunComplete(ctx, st.RunID, string(st.Status), len(st.Iterations), total)
}

func (o *Orchestrator) record(ctx context.Context, st *RunState) {
	if o.opts.Store == nil {
		return
	}
	if err := o.opts.Store.Put(ctx, st.Summary()); err != nil {
		o.opts.Logger.Warn("could not update run index", "run", st.RunID, "err", err)
	}
}

func verdictOf(c genai.Critique) Verdict {
	if c.Accepted() {
		return VerdictAccept
	}
	return VerdictRevise
}

func renderNotice(cause string) string {
	return "The previous attempt produced no image; rendering failed with: " + cause +
		". If this image still has problems, prefer a simpler, more robust description."
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}
