package agents

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl prompts/*.md
var promptFS embed.FS

var prompts = template.Must(template.New("").Option("missingkey=error").ParseFS(promptFS, "prompts/*.tmpl"))

// Stage names used for prompt lookup and logging.
const (
	stageRetrieve  = "retrieve"
	stagePlan      = "plan"
	stageStyle     = "style"
	stageVisualize = "visualize"
	stageCritique  = "critique"
)

// promptData is the union of fields the templates reference.
type promptData struct {
	SourceContext string
	Caption       string
	Candidates    string
	Limit         int
	Examples      string
	Guidelines    string
	Description   string
	Notice        string
}

func renderPrompt(mode Mode, stage string, data promptData) (string, error) {
	var b strings.Builder
	name := fmt.Sprintf("%s_%s.tmpl", mode, stage)
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

// Guidelines returns the fixed aesthetic rule set for mode.
func Guidelines(mode Mode) string {
	name := "prompts/diagram_guidelines.md"
	if mode == ModePlot {
		name = "prompts/plot_guidelines.md"
	}
	data, err := promptFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return string(data)
}
