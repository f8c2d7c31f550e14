// Package report renders a human-readable summary of a run as Markdown and
// HTML, written next to the run's artifacts.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
)

// Writer writes report.md and report.html into run directories.
type Writer struct {
	md goldmark.Markdown
}

// New creates a Writer with GitHub-flavored Markdown enabled.
func New() *Writer {
	return &Writer{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

var _ pipeline.Reporter = (*Writer)(nil)

// WriteReport implements pipeline.Reporter.
func (w *Writer) WriteReport(st *pipeline.RunState, dir *pipeline.RunDir) error {
	md := Markdown(st)
	if err := dir.WriteFile(pipeline.FileReportMD, []byte(md)); err != nil {
		return err
	}
	page, err := w.HTML(st.RunID, md)
	if err != nil {
		return err
	}
	return dir.WriteFile(pipeline.FileReportHTML, page)
}

// Markdown renders the report body.
func Markdown(st *pipeline.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", st.RunID)

	b.WriteString("| Field | Value |\n|---|---|\n")
	row(&b, "Status", string(st.Status))
	row(&b, "Mode", string(st.Mode))
	row(&b, "Goal", st.Goal)
	row(&b, "Iterations", fmt.Sprintf("%d of %d", len(st.Iterations), st.MaxIterations))
	if st.Status == pipeline.StatusSucceeded {
		row(&b, "Converged", fmt.Sprintf("%t", st.Converged))
	}
	if st.Status == pipeline.StatusFailed {
		phase := st.Phase
		if st.Stage != "" {
			phase += " / " + st.Stage
		}
		row(&b, "Failed in", phase)
		row(&b, "Reason", st.Reason)
	}
	row(&b, "Started", st.CreatedAt.Format(time.RFC3339))
	if st.FinishedAt != nil {
		row(&b, "Finished", st.FinishedAt.Format(time.RFC3339))
	}
	b.WriteString("\n")

	if st.FinalImage != "" {
		fmt.Fprintf(&b, "![final image](%s)\n\n", st.FinalImage)
	}

	if p := st.Planning; p != nil {
		b.WriteString("## Planning\n\n")
		if len(p.SelectedExamples) == 0 {
			b.WriteString("No reference examples were selected.\n\n")
		} else {
			b.WriteString("Selected reference examples, most relevant first:\n\n")
			for i, ex := range p.SelectedExamples {
				fmt.Fprintf(&b, "%d. `%s` %s\n", i+1, ex.ID, oneLine(ex.Caption))
			}
			b.WriteString("\n")
		}
		b.WriteString("### Description\n\n")
		fence(&b, p.Description)
		b.WriteString("### Styled description\n\n")
		fence(&b, p.StyledDescription)
	}

	if len(st.Iterations) > 0 {
		b.WriteString("## Iterations\n\n")
	}
	for _, rec := range st.Iterations {
		fmt.Fprintf(&b, "### Iteration %d\n\n", rec.Index)
		verdict := string(rec.Verdict)
		if rec.Provisional() {
			verdict = "pending"
		}
		fmt.Fprintf(&b, "Verdict: **%s** (%.1fs)\n\n", verdict, rec.Seconds)
		if rec.Image != "" {
			fmt.Fprintf(&b, "![iteration %d](%s)\n\n", rec.Index, rec.Image)
		}
		if rec.RenderError != "" {
			fmt.Fprintf(&b, "Render error: %s\n\n", oneLine(rec.RenderError))
		}
		for _, s := range rec.Suggestions {
			fmt.Fprintf(&b, "- %s\n", oneLine(s))
		}
		if len(rec.Suggestions) > 0 {
			b.WriteString("\n")
		}
	}

	if len(st.Timings) > 0 {
		b.WriteString("## Timings\n\n| Stage | Seconds |\n|---|---|\n")
		for _, name := range slices.Sorted(maps.Keys(st.Timings)) {
			fmt.Fprintf(&b, "| %s | %.2f |\n", name, st.Timings[name])
		}
	}
	return b.String()
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
img { max-width: 100%; border: 1px solid #ddd; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ddd; padding: .3rem .6rem; text-align: left; }
pre { background: #f6f6f6; padding: .8rem; white-space: pre-wrap; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML converts a Markdown report into a standalone page.
func (w *Writer) HTML(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := w.md.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return out.Bytes(), nil
}

func row(b *strings.Builder, k, v string) {
	fmt.Fprintf(b, "| %s | %s |\n", k, strings.ReplaceAll(oneLine(v), "|", `\|`))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fence(b *strings.Builder, text string) {
	marker := "```"
	for strings.Contains(text, marker) {
		marker += "`"
	}
	fmt.Fprintf(b, "%stext\n%s\n%s\n\n", marker, strings.TrimRight(text, "\n"), marker)
}
