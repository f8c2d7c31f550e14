package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
)

// Status is a run's position in the state machine.
type Status string

const (
	StatusInit      Status = "init"
	StatusPlanning  Status = "planning"
	StatusRefining  Status = "refining"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusInit:     {StatusPlanning},
	StatusPlanning: {StatusPlanning, StatusRefining, StatusFailed},
	StatusRefining: {StatusRefining, StatusSucceeded, StatusFailed},
}

// Phase names reported on failure.
const (
	PhasePlanning = "planning"
	PhaseRefining = "refining"
)

// Verdict is the outcome of one refinement pass.
type Verdict string

const (
	VerdictAccept       Verdict = "accept"
	VerdictRevise       Verdict = "revise"
	VerdictRenderFailed Verdict = "render_failed"
)

// PlanningResult is produced once per run by the planning phase and never
// modified afterwards.
type PlanningResult struct {
	SelectedExamples  []reference.Example `json:"selected_examples"`
	Description       string              `json:"description"`
	StyledDescription string              `json:"styled_description"`
	RetrievalCached   bool                `json:"retrieval_cached"`
}

// SelectedIDs returns the ids of the selected examples in rank order.
func (p PlanningResult) SelectedIDs() []string {
	ids := make([]string, len(p.SelectedExamples))
	for i, ex := range p.SelectedExamples {
		ids[i] = ex.ID
	}
	return ids
}

// IterationRecord is one Visualize → Critique pass. A record without a
// verdict is provisional: the image exists but the critic has not answered.
type IterationRecord struct {
	Index              int      `json:"iteration"`
	Image              string   `json:"image,omitempty"`
	Description        string   `json:"description"`
	Verdict            Verdict  `json:"verdict,omitempty"`
	Suggestions        []string `json:"critic_suggestions,omitempty"`
	RevisedDescription string   `json:"revised_description,omitempty"`
	RenderError        string   `json:"render_error,omitempty"`
	Seconds            float64  `json:"duration_seconds"`
}

// Provisional reports whether the record still awaits a verdict.
func (r IterationRecord) Provisional() bool { return r.Verdict == "" }

// Feedback joins the critic suggestions, one per line.
func (r IterationRecord) Feedback() string { return strings.Join(r.Suggestions, "\n") }

// RunState is the complete, persisted state of one run. It is owned by a
// single goroutine while the run executes.
type RunState struct {
	RunID         string             `json:"run_id"`
	Mode          agents.Mode        `json:"mode"`
	Goal          string             `json:"goal"`
	Status        Status             `json:"status"`
	Phase         string             `json:"phase,omitempty"`
	Stage         string             `json:"stage,omitempty"`
	ErrorCode     string             `json:"error_code,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	MaxIterations int                `json:"max_iterations"`
	Planning      *PlanningResult    `json:"planning,omitempty"`
	Working       Refinement         `json:"working"`
	Iterations    []IterationRecord  `json:"iterations"`
	FinalImage    string             `json:"final_image,omitempty"`
	Converged     bool               `json:"converged"`
	Timings       map[string]float64 `json:"timings_seconds,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`

	Dir     string         `json:"-"`
	Request agents.Request `json:"-"`
}

func (s *RunState) transition(to Status, now time.Time) error {
	if !slices.Contains(transitions[s.Status], to) {
		return pberrors.New(pberrors.ErrCodeInternal, "run %s: invalid transition %s -> %s", s.RunID, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	if to.Terminal() {
		s.FinishedAt = &now
	}
	return nil
}

func (s *RunState) lastRecord() *IterationRecord {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// LastImage returns the file name of the most recent rendered image, or "".
func (s *RunState) LastImage() string {
	for i := len(s.Iterations) - 1; i >= 0; i-- {
		if s.Iterations[i].Image != "" {
			return s.Iterations[i].Image
		}
	}
	return ""
}

// FinalImagePath returns the absolute path of the final image, or "".
func (s *RunState) FinalImagePath() string {
	if s.FinalImage == "" || s.Dir == "" {
		return ""
	}
	return (&RunDir{path: s.Dir}).File(s.FinalImage)
}

// Err describes a failed run, or nil.
func (s *RunState) Err() error {
	if s.Status != StatusFailed {
		return nil
	}
	cause := pberrors.New(pberrors.Code(s.ErrorCode), "%s", s.Reason)
	if s.Stage != "" {
		return pberrors.InPhase(s.Phase, pberrors.InPhase(s.Stage, cause))
	}
	return pberrors.InPhase(s.Phase, cause)
}

func (s *RunState) timing(name string, start time.Time) float64 {
	if s.Timings == nil {
		s.Timings = make(map[string]float64)
	}
	secs := time.Since(start).Seconds()
	s.Timings[name] += secs
	return secs
}

// Summary returns the run-index view of the state.
func (s *RunState) Summary() runstore.Summary {
	return runstore.Summary{
		ID:         s.RunID,
		Mode:       string(s.Mode),
		Goal:       s.Goal,
		Status:     string(s.Status),
		Phase:      s.Phase,
		Reason:     s.Reason,
		Iterations: len(s.Iterations),
		Converged:  s.Converged,
		FinalImage: s.FinalImagePath(),
		Dir:        s.Dir,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// String is a one-line description used in logs and the CLI.
func (s *RunState) String() string {
	switch s.Status {
	case StatusFailed:
		return fmt.Sprintf("%s failed in %s: %s", s.RunID, s.Phase, s.Reason)
	case StatusSucceeded:
		return fmt.Sprintf("%s succeeded after %d iteration(s)", s.RunID, len(s.Iterations))
	default:
		return fmt.Sprintf("%s %s", s.RunID, s.Status)
	}
}
