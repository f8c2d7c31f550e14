// Package agents implements the five pipeline stages that talk to the
// generation service: Retriever, Planner, Stylist, Visualizer and Critic.
//
// Every stage is a small struct built from shared [Deps]. Each external call
// goes through [retry.Do] with the stage's policy; no stage retries on its
// own. Stages are stateless between calls and safe for concurrent use by
// independent runs.
package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

// Mode selects between method diagrams and statistical plots.
type Mode string

const (
	ModeDiagram Mode = "diagram"
	ModePlot    Mode = "plot"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDiagram, ModePlot:
		return Mode(s), nil
	default:
		return "", pberrors.Validation("invalid mode: %q (must be one of: diagram, plot)", s)
	}
}

// Request is the normalized task description for one run. Diagram mode uses
// InputText and Caption; plot mode uses Data and Intent.
type Request struct {
	Mode      Mode            `json:"mode"`
	InputText string          `json:"input_text,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Intent    string          `json:"intent,omitempty"`
}

// NewDiagramRequest builds and validates a diagram request.
func NewDiagramRequest(inputText, caption string) (Request, error) {
	r := Request{Mode: ModeDiagram, InputText: inputText, Caption: caption}
	return r, r.Validate()
}

// NewPlotRequest builds and validates a plot request. data must be JSON.
func NewPlotRequest(data []byte, intent string) (Request, error) {
	r := Request{Mode: ModePlot, Data: json.RawMessage(bytes.TrimSpace(data)), Intent: intent}
	return r, r.Validate()
}

// Validate reports a ValidationError for incomplete requests.
func (r Request) Validate() error {
	switch r.Mode {
	case ModeDiagram:
		if strings.TrimSpace(r.InputText) == "" {
			return pberrors.Validation("diagram request: input text is empty")
		}
		if strings.TrimSpace(r.Caption) == "" {
			return pberrors.Validation("diagram request: caption is empty")
		}
	case ModePlot:
		if len(r.Data) == 0 {
			return pberrors.Validation("plot request: data is empty")
		}
		if !json.Valid(r.Data) {
			return pberrors.Validation("plot request: data is not valid JSON")
		}
		if strings.TrimSpace(r.Intent) == "" {
			return pberrors.Validation("plot request: intent is empty")
		}
	default:
		_, err := ParseMode(string(r.Mode))
		return err
	}
	return nil
}

// SourceContext is the content the figure is drawn from: the methodology
// text, or the raw data pretty-printed.
func (r Request) SourceContext() string {
	if r.Mode == ModePlot {
		var buf bytes.Buffer
		if err := json.Indent(&buf, r.Data, "", "  "); err == nil {
			return buf.String()
		}
		return string(r.Data)
	}
	return r.InputText
}

// Goal is the caption (diagram) or the visual intent (plot).
func (r Request) Goal() string {
	if r.Mode == ModePlot {
		return r.Intent
	}
	return r.Caption
}

// Deps are the collaborators every stage needs.
type Deps struct {
	Service genai.Service
	// Text governs scoring, planning, styling, plot-code and critique calls.
	Text retry.Policy
	// Image governs diagram synthesis calls.
	Image  retry.Policy
	Logger *log.Logger
}

func (d Deps) withDefaults(stage string) Deps {
	if d.Text.Attempts == 0 {
		d.Text = retry.DefaultPolicy()
	}
	if d.Image.Attempts == 0 {
		d.Image = d.Text
	}
	if d.Logger == nil {
		d.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	d.Logger = d.Logger.With("stage", stage)
	return d
}

// truncate cuts s to at most n runes, appending "..." when it did.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// emptyResponse is returned (as transient) when the service answers with
// nothing usable.
func emptyResponse(op string) error {
	return retry.Transient(fmt.Errorf("%s: empty response", op))
}
