// Package genaitest provides a scripted, deterministic [genai.Service] for
// tests of the agents, the orchestrator and the HTTP API.
package genaitest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
)

// Call records one invocation of the stub.
type Call struct {
	Method string // "Score", "GenerateText", "GenerateVisual", "Critique"
	Op     string // TextRequest.Op or VisualRequest.Kind
	Prompt string
	Images int
}

// String renders the call as "Method" or "Method:op".
func (c Call) String() string {
	if c.Op == "" {
		return c.Method
	}
	return c.Method + ":" + c.Op
}

// Stub is a scripted genai.Service. Each hook may be nil, in which case a
// deterministic default answer is returned. Stub is safe for concurrent use.
type Stub struct {
	ScoreFunc    func(req genai.ScoreRequest) ([]float64, error)
	TextFunc     func(req genai.TextRequest) (string, error)
	VisualFunc   func(req genai.VisualRequest) (genai.Visual, error)
	CritiqueFunc func(req genai.CritiqueRequest) (genai.Critique, error)

	mu    sync.Mutex
	calls []Call
}

var _ genai.Service = (*Stub)(nil)

// Score calls ScoreFunc or scores every candidate 0.
func (s *Stub) Score(ctx context.Context, req genai.ScoreRequest) ([]float64, error) {
	s.record(Call{Method: "Score", Prompt: req.Prompt})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ScoreFunc != nil {
		return s.ScoreFunc(req)
	}
	return make([]float64, len(req.Candidates)), nil
}

// GenerateText calls TextFunc or answers "<op> output".
func (s *Stub) GenerateText(ctx context.Context, req genai.TextRequest) (string, error) {
	s.record(Call{Method: "GenerateText", Op: req.Op, Prompt: req.Prompt, Images: len(req.Images)})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.TextFunc != nil {
		return s.TextFunc(req)
	}
	return fmt.Sprintf("%s output", req.Op), nil
}

// GenerateVisual calls VisualFunc or returns a small PNG (image kind) or a
// trivial script (code kind).
func (s *Stub) GenerateVisual(ctx context.Context, req genai.VisualRequest) (genai.Visual, error) {
	s.record(Call{Method: "GenerateVisual", Op: string(req.Kind), Prompt: req.Prompt})
	if err := ctx.Err(); err != nil {
		return genai.Visual{}, err
	}
	if s.VisualFunc != nil {
		return s.VisualFunc(req)
	}
	if req.Kind == genai.VisualCode {
		return genai.Visual{Code: "```python\nimport matplotlib.pyplot as plt\nplt.savefig(OUTPUT_PATH)\n```"}, nil
	}
	return genai.Visual{Image: PNG(4, 4)}, nil
}

// Critique calls CritiqueFunc or accepts.
func (s *Stub) Critique(ctx context.Context, req genai.CritiqueRequest) (genai.Critique, error) {
	s.record(Call{Method: "Critique", Prompt: req.Prompt, Images: 1})
	if err := ctx.Err(); err != nil {
		return genai.Critique{}, err
	}
	if s.CritiqueFunc != nil {
		return s.CritiqueFunc(req)
	}
	return genai.Critique{}, nil
}

// Calls returns a copy of the call log.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Trace returns the call log rendered as "Method:op" strings.
func (s *Stub) Trace() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many calls were made to method.
func (s *Stub) Count(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (s *Stub) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

// =============================================================================
// Scripts
// =============================================================================

// Critiques returns a CritiqueFunc answering with each critique in turn and
// repeating the last one once the script is exhausted.
func Critiques(script ...genai.Critique) func(genai.CritiqueRequest) (genai.Critique, error) {
	var mu sync.Mutex
	i := 0
	return func(genai.CritiqueRequest) (genai.Critique, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(script) == 0 {
			return genai.Critique{}, nil
		}
		c := script[min(i, len(script)-1)]
		i++
		return c, nil
	}
}

// Revise is a critique asking for changes.
func Revise(suggestions ...string) genai.Critique {
	return genai.Critique{Suggestions: suggestions}
}

// Accept is a critique without suggestions.
func Accept() genai.Critique { return genai.Critique{} }

// Errors returns a hook body failing with each error in turn and succeeding
// (nil) once the script is exhausted. Use it to script transient failures:
//
//	next := genaitest.Errors(retry.Transient(err503), retry.Transient(err503))
//	stub.TextFunc = func(req genai.TextRequest) (string, error) {
//	    if err := next(); err != nil {
//	        return "", err
//	    }
//	    return "plan", nil
//	}
func Errors(script ...error) func() error {
	var mu sync.Mutex
	i := 0
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(script) {
			return nil
		}
		err := script[i]
		i++
		return err
	}
}

// TextByOp returns a TextFunc answering from a map keyed by TextRequest.Op.
func TextByOp(answers map[string]string) func(genai.TextRequest) (string, error) {
	return func(req genai.TextRequest) (string, error) {
		if a, ok := answers[req.Op]; ok {
			return a, nil
		}
		return fmt.Sprintf("%s output", req.Op), nil
	}
}

// Contains reports whether any call's prompt contains substr.
func (s *Stub) Contains(method, substr string) bool {
	for _, c := range s.Calls() {
		if c.Method == method && strings.Contains(c.Prompt, substr) {
			return true
		}
	}
	return false
}

// PNG returns a w×h PNG filled with a single color. Distinct sizes produce
// distinct images, which lets tests tell iterations apart.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := color.RGBA{R: 250, G: 200, B: 40, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
