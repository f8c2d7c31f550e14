package agents

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

const (
	styleTemperature = 0.5
	styleMaxTokens   = 4096

	// DefaultMinStyleRatio is the shortest acceptable styled description,
	// as a fraction of the plan it was derived from.
	DefaultMinStyleRatio = 0.5
)

// Stylist rewrites a description under the fixed aesthetic guidelines.
type Stylist struct {
	deps     Deps
	minRatio float64
}

// NewStylist creates a stylist. minRatio <= 0 means DefaultMinStyleRatio.
func NewStylist(d Deps, minRatio float64) *Stylist {
	if minRatio <= 0 {
		minRatio = DefaultMinStyleRatio
	}
	return &Stylist{deps: d.withDefaults(stageStyle), minRatio: minRatio}
}

// Style returns the styled description. A result much shorter than the input
// has lost structure; the input is returned unchanged in that case.
func (s *Stylist) Style(ctx context.Context, req Request, description string) (string, error) {
	prompt, err := renderPrompt(req.Mode, stageStyle, promptData{
		SourceContext: req.SourceContext(),
		Caption:       req.Goal(),
		Description:   description,
		Guidelines:    Guidelines(req.Mode),
	})
	if err != nil {
		return "", err
	}

	styled, _, err := retry.Do(ctx, s.deps.Text, stageStyle, func(ctx context.Context) (string, error) {
		out, err := s.deps.Service.GenerateText(ctx, genai.TextRequest{
			Op:          stageStyle,
			Prompt:      prompt,
			Temperature: styleTemperature,
			MaxTokens:   styleMaxTokens,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", emptyResponse(stageStyle)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	styled = strings.TrimSpace(styled)
	in, out := utf8.RuneCountInString(description), utf8.RuneCountInString(styled)
	if float64(out) < s.minRatio*float64(in) {
		s.deps.Logger.Warn("styled description lost content, keeping plan", "plan_chars", in, "styled_chars", out)
		return description, nil
	}
	return styled, nil
}
