package agents

import (
	"context"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

// Critic reviews a rendered image against the request and the description
// it was drawn from.
type Critic struct {
	deps Deps
}

// NewCritic creates a critic.
func NewCritic(d Deps) *Critic {
	return &Critic{deps: d.withDefaults(stageCritique)}
}

// Review returns the verdict on image. notice, when non-empty, is passed to
// the reviewer as extra context (for example that the previous render
// failed). A response that cannot be parsed counts as acceptance.
func (c *Critic) Review(ctx context.Context, req Request, image []byte, description, notice string) (genai.Critique, error) {
	prompt, err := renderPrompt(req.Mode, stageCritique, promptData{
		SourceContext: req.SourceContext(),
		Caption:       req.Goal(),
		Description:   description,
		Notice:        notice,
	})
	if err != nil {
		return genai.Critique{}, err
	}

	critique, _, err := retry.Do(ctx, c.deps.Text, stageCritique, func(ctx context.Context) (genai.Critique, error) {
		return c.deps.Service.Critique(ctx, genai.CritiqueRequest{Prompt: prompt, Image: image})
	})
	if err != nil {
		return genai.Critique{}, err
	}
	switch {
	case critique.Malformed:
		c.deps.Logger.Warn("unparseable critique, accepting image")
		critique = genai.Critique{Malformed: true}
	case critique.Accepted():
		c.deps.Logger.Info("critic accepted image")
	default:
		c.deps.Logger.Info("critic requested revision", "suggestions", len(critique.Suggestions))
	}
	return critique, nil
}
