package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
)

func sampleState() *pipeline.RunState {
	finished := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	return &pipeline.RunState{
		RunID:         "run_20260102_030400_abcdef",
		Mode:          "diagram",
		Goal:          "Overview | of the model",
		Status:        pipeline.StatusSucceeded,
		MaxIterations: 3,
		Converged:     true,
		FinalImage:    pipeline.FileFinal,
		Planning: &pipeline.PlanningResult{
			SelectedExamples:  []reference.Example{{ID: "ref_1", Caption: "A caption"}},
			Description:       "Boxes with ``` inside",
			StyledDescription: "Styled boxes",
		},
		Iterations: []pipeline.IterationRecord{
			{Index: 1, Image: "iter_1.png", Verdict: pipeline.VerdictRevise, Suggestions: []string{"bigger labels"}},
			{Index: 2, Image: "iter_2.png", Verdict: pipeline.VerdictAccept},
		},
		Timings:    map[string]float64{"plan": 1.5, "style": 0.5},
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleState())
	for _, want := range []string{
		"# run_20260102_030400_abcdef",
		"| Status | succeeded |",
		`Overview \| of the model`,
		"![final image](final_output.png)",
		"1. `ref_1` A caption",
		"````text\nBoxes with ``` inside\n````",
		"### Iteration 2",
		"- bigger labels",
		"| plan | 1.50 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestMarkdownFailedRun(t *testing.T) {
	st := &pipeline.RunState{
		RunID:  "run_x",
		Status: pipeline.StatusFailed,
		Phase:  pipeline.PhasePlanning,
		Stage:  "plan",
		Reason: "plan failed: 401",
		Iterations: []pipeline.IterationRecord{
			{Index: 1, Image: "iter_1.png"},
		},
	}
	md := Markdown(st)
	for _, want := range []string{"| Failed in | planning / plan |", "| Reason | plan failed: 401 |", "**pending**"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	if strings.Contains(md, "Converged") {
		t.Error("failed run should not report convergence")
	}
}

func TestWriteReport(t *testing.T) {
	dir, err := pipeline.CreateRunDir(t.TempDir(), "run_report")
	if err != nil {
		t.Fatal(err)
	}
	if err := New().WriteReport(sampleState(), dir); err != nil {
		t.Fatal(err)
	}
	html, err := os.ReadFile(filepath.Join(dir.Path(), pipeline.FileReportHTML))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<title>run_20260102_030400_abcdef</title>", "<table>", `<img src="iter_1.png"`} {
		if !strings.Contains(string(html), want) {
			t.Errorf("html missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir.Path(), pipeline.FileReportMD)); err != nil {
		t.Error("report.md not written")
	}
}
