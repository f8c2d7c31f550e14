// Package genai defines the narrow capability interface between the pipeline
// and an external multimodal generation service.
//
// The orchestrator and its agents only ever call the four methods of
// [Service]. Concrete providers live in sub-packages:
//
//   - [github.com/cbruyndoncx/paperbanana-lite/pkg/genai/openai]: OpenAI-compatible HTTP API
//   - [github.com/cbruyndoncx/paperbanana-lite/pkg/genai/offline]: deterministic local dry-run provider
//   - [github.com/cbruyndoncx/paperbanana-lite/pkg/genai/genaitest]: scripted stand-in for tests
//
// Providers make exactly one request per method call and never retry on their
// own. Failures that are worth retrying are returned wrapped with
// [retry.Transient]; the caller applies the retry policy.
//
// [retry.Transient]: github.com/cbruyndoncx/paperbanana-lite/pkg/retry.Transient
package genai

import "context"

// Service is the external generation capability.
type Service interface {
	// Score returns one relevance score per candidate, in candidate order.
	// Higher is more relevant; non-positive means "not selected".
	Score(ctx context.Context, req ScoreRequest) ([]float64, error)

	// GenerateText returns free text (or a JSON document when req.JSON is set).
	GenerateText(ctx context.Context, req TextRequest) (string, error)

	// GenerateVisual synthesizes an image or produces charting code,
	// depending on req.Kind.
	GenerateVisual(ctx context.Context, req VisualRequest) (Visual, error)

	// Critique reviews an image against the prompt.
	Critique(ctx context.Context, req CritiqueRequest) (Critique, error)
}

// Candidate is one item offered for relevance scoring.
type Candidate struct {
	ID   string
	Text string
}

// ScoreRequest asks for relevance scores of candidates against a query.
type ScoreRequest struct {
	// Prompt is the fully rendered retrieval prompt (query and candidate list).
	Prompt string
	// Query is the raw request text, for providers that score locally.
	Query      string
	Candidates []Candidate
	// Limit is the number of candidates the caller will keep.
	Limit int
}

// TextRequest asks for a text completion.
type TextRequest struct {
	// Op names the calling stage ("plan", "style") for logs and stand-ins.
	Op          string
	Prompt      string
	Images      [][]byte // optional PNG/JPEG attachments
	Temperature float64
	MaxTokens   int
	JSON        bool // request a JSON object response
}

// VisualKind selects the render path of [Service.GenerateVisual].
type VisualKind string

const (
	// VisualImage requests a raster image synthesized from the prompt.
	VisualImage VisualKind = "image"
	// VisualCode requests charting code that renders the image when executed.
	VisualCode VisualKind = "code"
)

// VisualRequest asks for an image or for code that draws one.
type VisualRequest struct {
	Kind   VisualKind
	Prompt string
	Width  int
	Height int
}

// Visual is the result of GenerateVisual. Exactly one field is set,
// matching the request kind: Image holds encoded image bytes, Code holds the
// raw model response containing the charting code.
type Visual struct {
	Image []byte
	Code  string
}

// CritiqueRequest asks for a review of a rendered image.
type CritiqueRequest struct {
	Prompt string
	Image  []byte
}

// Critique is a structured review. No suggestions means the image is
// accepted.
type Critique struct {
	Suggestions        []string `json:"critic_suggestions"`
	RevisedDescription string   `json:"revised_description,omitempty"`
	// Malformed is set when the service response could not be parsed; the
	// critique is then treated as an acceptance.
	Malformed bool `json:"-"`
}

// Accepted reports whether the critique carries no suggestions.
func (c Critique) Accepted() bool { return len(c.Suggestions) == 0 }
