package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

const (
	exampleContextChars = 500
	planTemperature     = 0.7
	planMaxTokens       = 4096

	noExamples = "(No reference examples available. Produce the description from the source context and caption alone.)"
)

// Planner turns a request and its selected examples into a detailed textual
// description of the figure.
type Planner struct {
	deps Deps
}

// NewPlanner creates a planner.
func NewPlanner(d Deps) *Planner {
	return &Planner{deps: d.withDefaults(stagePlan)}
}

// Plan produces the figure description. Example images that exist on disk
// are attached in example order; an example whose image fails to load is
// still described in text. Example ids never appear in the result.
func (p *Planner) Plan(ctx context.Context, req Request, examples []reference.Example) (string, error) {
	block, images := p.examplesBlock(req.Mode, examples)
	prompt, err := renderPrompt(req.Mode, stagePlan, promptData{
		SourceContext: req.SourceContext(),
		Caption:       req.Goal(),
		Examples:      block,
	})
	if err != nil {
		return "", err
	}

	p.deps.Logger.Info("planning", "examples", len(examples), "images", len(images))
	description, _, err := retry.Do(ctx, p.deps.Text, stagePlan, func(ctx context.Context) (string, error) {
		out, err := p.deps.Service.GenerateText(ctx, genai.TextRequest{
			Op:          stagePlan,
			Prompt:      prompt,
			Images:      images,
			Temperature: planTemperature,
			MaxTokens:   planMaxTokens,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", emptyResponse(stagePlan)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return scrubIDs(strings.TrimSpace(description), examples), nil
}

func (p *Planner) examplesBlock(mode Mode, examples []reference.Example) (string, [][]byte) {
	if len(examples) == 0 {
		return noExamples, nil
	}
	visual := "Diagram"
	if mode == ModePlot {
		visual = "Plot"
	}

	var (
		b      strings.Builder
		images [][]byte
	)
	for i, ex := range examples {
		fmt.Fprintf(&b, "### Example %d\n", i+1)
		fmt.Fprintf(&b, "**Caption:** %s\n", ex.Caption)
		fmt.Fprintf(&b, "**Source Context:** %s\n", truncate(ex.SourceContext, exampleContextChars))
		if ex.HasImage() {
			data, err := ex.Image()
			if err != nil {
				p.deps.Logger.Warn("skipping example image", "example", i+1, "err", err)
			} else if len(data) > 0 {
				images = append(images, data)
				fmt.Fprintf(&b, "**%s:** [attached image %d]\n", visual, len(images))
			}
		}
		b.WriteString("\n")
	}
	return b.String(), images
}

// scrubIDs removes verbatim example identifiers from text. Longer ids are
// matched first so an id never eats the prefix of another.
func scrubIDs(text string, examples []reference.Example) string {
	ids := make([]string, 0, len(examples))
	for _, ex := range examples {
		if ex.ID != "" && strings.Contains(text, ex.ID) {
			ids = append(ids, ex.ID)
		}
	}
	if len(ids) == 0 {
		return text
	}
	slices.SortStableFunc(ids, func(a, b string) int { return len(b) - len(a) })
	pairs := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		pairs = append(pairs, id, "the reference")
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
