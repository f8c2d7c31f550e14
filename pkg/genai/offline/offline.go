// Package offline implements genai.Service locally and deterministically, for
// dry runs without credentials (`--provider offline`).
//
// Scores come from token overlap, text is templated from the prompt, diagram
// images are node-link sketches of the plan rendered with Graphviz, plot code
// is a minimal matplotlib script, and every critique accepts.
package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-graphviz"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/cache"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
)

const (
	maxNodes    = 8
	maxKeywords = 8
	labelWidth  = 28
)

// Provider is the offline genai.Service.
type Provider struct {
	logger *log.Logger
}

var _ genai.Service = (*Provider)(nil)

// New creates an offline provider.
func New(logger *log.Logger) *Provider {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &Provider{logger: logger}
}

// Score returns the fraction of query tokens present in each candidate.
func (p *Provider) Score(ctx context.Context, req genai.ScoreRequest) ([]float64, error) {
	query := tokenSet(req.Query)
	scores := make([]float64, len(req.Candidates))
	if len(query) == 0 {
		return scores, nil
	}
	for i, c := range req.Candidates {
		shared := 0
		for tok := range tokenSet(c.Text) {
			if _, ok := query[tok]; ok {
				shared++
			}
		}
		scores[i] = float64(shared) / float64(len(query))
	}
	return scores, nil
}

// GenerateText returns an outline built from the prompt's most frequent
// keywords. The same prompt always yields the same text.
func (p *Provider) GenerateText(ctx context.Context, req genai.TextRequest) (string, error) {
	if req.JSON {
		return "{}", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Offline %s draft %s.\n\n", orDefault(req.Op, "text"), cache.Hash([]byte(req.Prompt))[:8])
	b.WriteString("Components, left to right:\n")
	for _, kw := range keywords(req.Prompt, maxKeywords) {
		fmt.Fprintf(&b, "- %s\n", kw)
	}
	if req.Op == "style" {
		b.WriteString("\nStyle: white background, rounded boxes, muted pastel fills, sans-serif labels, thin dark arrows.\n")
	}
	return b.String(), nil
}

// GenerateVisual renders the plan's bullet items as a Graphviz chain, or
// returns a matplotlib script for the code kind.
func (p *Provider) GenerateVisual(ctx context.Context, req genai.VisualRequest) (genai.Visual, error) {
	if req.Kind == genai.VisualCode {
		return genai.Visual{Code: plotScript}, nil
	}
	img, err := RenderPNG(ctx, ToDOT(req.Prompt))
	if err != nil {
		return genai.Visual{}, err
	}
	return genai.Visual{Image: img}, nil
}

// Critique always accepts.
func (p *Provider) Critique(ctx context.Context, req genai.CritiqueRequest) (genai.Critique, error) {
	return genai.Critique{}, nil
}

const plotScript = "```python\n" + `import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as plt

fig, ax = plt.subplots(figsize=(8, 5))
ax.bar(["A", "B", "C"], [3, 5, 2], color="#8fb8de")
ax.set_title("Offline preview")
ax.spines[["top", "right"]].set_visible(False)
fig.tight_layout()
fig.savefig(OUTPUT_PATH, dpi=150)
` + "```\n"

// ToDOT turns the "- item" lines of a description into a left-to-right
// chain of boxes. Descriptions without bullets yield a single node.
func ToDOT(description string) string {
	var items []string
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if item, ok := strings.CutPrefix(line, "- "); ok && item != "" {
			items = append(items, item)
		}
		if len(items) == maxNodes {
			break
		}
	}
	if len(items) == 0 {
		items = []string{"Method"}
	}

	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  bgcolor=\"white\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=\"#e8f0fa\", color=\"#4a6fa5\", fontname=\"Helvetica\", fontsize=14, margin=\"0.2,0.1\"];\n")
	buf.WriteString("  edge [color=\"#333333\", arrowsize=0.8];\n\n")
	for i, item := range items {
		fmt.Fprintf(&buf, "  n%d [label=%q];\n", i, wrap(item, labelWidth))
	}
	buf.WriteString("\n")
	for i := 1; i < len(items); i++ {
		fmt.Fprintf(&buf, "  n%d -> n%d;\n", i-1, i)
	}
	buf.WriteString("}\n")
	return buf.String()
}

// RenderPNG renders a DOT graph to PNG with Graphviz.
func RenderPNG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}

func wrap(s string, width int) string {
	words := strings.Fields(s)
	var lines []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return strings.Join(lines, "\n")
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"are": {}, "you": {}, "your": {}, "into": {}, "each": {}, "should": {}, "must": {},
	"will": {}, "not": {}, "all": {}, "any": {}, "can": {}, "use": {}, "has": {},
	"have": {}, "its": {}, "their": {}, "them": {}, "which": {}, "when": {}, "than": {},
	"only": {}, "also": {}, "such": {}, "more": {}, "most": {}, "other": {}, "based": {},
	"description": {}, "diagram": {}, "figure": {}, "plot": {}, "example": {}, "examples": {},
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokens(s) {
		if len(t) < 3 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// keywords returns up to n tokens ordered by frequency, then first appearance.
func keywords(s string, n int) []string {
	counts := map[string]int{}
	first := map[string]int{}
	for i, t := range tokens(s) {
		if len(t) < 4 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, seen := first[t]; !seen {
			first[t] = i
		}
		counts[t]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
