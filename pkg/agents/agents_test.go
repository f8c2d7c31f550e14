package agents

import (
	"strings"
	"testing"
	"time"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai/genaitest"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

func testDeps(stub *genaitest.Stub) Deps {
	p := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return Deps{Service: stub, Text: p, Image: p}
}

func diagramRequest(t *testing.T) Request {
	t.Helper()
	req, err := NewDiagramRequest("We encode tokens with a transformer and decode with an MLP.", "Overview of the encoder-decoder model")
	if err != nil {
		t.Fatalf("NewDiagramRequest: %v", err)
	}
	return req
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"diagram", ModeDiagram, false},
		{"plot", ModePlot, false},
		{"Diagram", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if err != nil && !pberrors.Is(err, pberrors.ErrCodeValidation) {
				t.Errorf("error should be VALIDATION: %v", err)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"diagram ok", Request{Mode: ModeDiagram, InputText: "text", Caption: "cap"}, false},
		{"diagram no text", Request{Mode: ModeDiagram, Caption: "cap"}, true},
		{"diagram blank caption", Request{Mode: ModeDiagram, InputText: "text", Caption: "  "}, true},
		{"plot ok", Request{Mode: ModePlot, Data: []byte(`{"x":[1,2]}`), Intent: "bar chart"}, false},
		{"plot bad json", Request{Mode: ModePlot, Data: []byte(`{x`), Intent: "bar chart"}, true},
		{"plot no data", Request{Mode: ModePlot, Intent: "bar chart"}, true},
		{"plot no intent", Request{Mode: ModePlot, Data: []byte(`[]`)}, true},
		{"unknown mode", Request{Mode: "table"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !pberrors.Is(err, pberrors.ErrCodeValidation) {
				t.Errorf("error should be VALIDATION: %v", err)
			}
		})
	}
}

func TestRequestSourceContextAndGoal(t *testing.T) {
	req, err := NewPlotRequest([]byte(` {"a":1} `), "show a")
	if err != nil {
		t.Fatal(err)
	}
	if got := req.SourceContext(); got != "{\n  \"a\": 1\n}" {
		t.Errorf("SourceContext() = %q", got)
	}
	if req.Goal() != "show a" {
		t.Errorf("Goal() = %q", req.Goal())
	}

	d := diagramRequest(t)
	if d.Goal() != d.Caption || d.SourceContext() != d.InputText {
		t.Error("diagram request should expose caption and input text")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trunc..."},
		{"héllo wörld", 4, "héll..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRenderPromptAllTemplates(t *testing.T) {
	for _, mode := range []Mode{ModeDiagram, ModePlot} {
		for _, stage := range []string{stageRetrieve, stagePlan, stageStyle, stageVisualize, stageCritique} {
			t.Run(string(mode)+"_"+stage, func(t *testing.T) {
				out, err := renderPrompt(mode, stage, promptData{
					SourceContext: "SRC",
					Caption:       "CAP",
					Candidates:    "CANDS",
					Limit:         3,
					Examples:      "EXAMPLES",
					Guidelines:    "GUIDE",
					Description:   "DESC",
				})
				if err != nil {
					t.Fatalf("renderPrompt: %v", err)
				}
				if strings.TrimSpace(out) == "" {
					t.Error("prompt should not be empty")
				}
			})
		}
	}
}

func TestCritiqueNotice(t *testing.T) {
	with, err := renderPrompt(ModePlot, stageCritique, promptData{Notice: "previous render failed"})
	if err != nil {
		t.Fatal(err)
	}
	without, err := renderPrompt(ModePlot, stageCritique, promptData{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(with, "previous render failed") {
		t.Error("notice should appear in prompt")
	}
	if strings.Contains(without, "## Note") {
		t.Error("note section should be omitted without a notice")
	}
}

func TestGuidelines(t *testing.T) {
	if Guidelines(ModeDiagram) == Guidelines(ModePlot) {
		t.Error("diagram and plot guidelines should differ")
	}
	if strings.TrimSpace(Guidelines(ModeDiagram)) == "" {
		t.Error("guidelines should not be empty")
	}
}
