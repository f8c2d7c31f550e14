package pipeline

import (
	"slices"
	"strings"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
)

// Refinement is the working description carried between refinement passes:
// a base plan plus the critic feedback accumulated against it.
type Refinement struct {
	Base     string   `json:"base"`
	Feedback []string `json:"feedback,omitempty"`
}

// Description renders the text handed to the Visualizer.
func (r Refinement) Description() string {
	if len(r.Feedback) == 0 {
		return r.Base
	}
	var b strings.Builder
	b.WriteString(r.Base)
	b.WriteString("\n\n## Revision Feedback\nApply every point below and keep everything else unchanged:\n")
	for _, f := range r.Feedback {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Apply folds a critique into the refinement. A revised description replaces
// the base and clears earlier feedback; otherwise suggestions are appended.
// Apply never mutates r.
func (r Refinement) Apply(c genai.Critique) Refinement {
	if c.RevisedDescription != "" {
		return Refinement{Base: c.RevisedDescription}
	}
	if len(c.Suggestions) == 0 {
		return r
	}
	return Refinement{
		Base:     r.Base,
		Feedback: append(slices.Clone(r.Feedback), c.Suggestions...),
	}
}
