package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
)

// generateOpts holds the command-line flags for the generate command.
type generateOpts struct {
	input   string // methodology file, "-" for stdin
	text    string // methodology text given inline
	caption string // figure caption (communicative intent)
}

// generateCommand creates the generate command for method diagrams.
func (c *CLI) generateCommand() *cobra.Command {
	opts := generateOpts{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a method diagram from a methodology section",
		Long: `Generate a method diagram from a methodology section and a figure caption.

The methodology is read from --input (a file, or - for stdin) or given inline
with --text. Each run writes its artifacts to a new directory under the output
directory; the final figure is final_output.png.`,
		Example: `  paperbanana generate --input method.md --caption "Overview of our framework"
  paperbanana generate --text "We encode..." --caption "Architecture" -n 5
  cat method.md | paperbanana generate --input - --caption "Pipeline"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSource(cmd.InOrStdin(), opts.input, opts.text)
			if err != nil {
				return err
			}
			req, err := agents.NewDiagramRequest(text, opts.caption)
			if err != nil {
				return err
			}
			return c.runRequest(cmd.Context(), req)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "methodology file (- for stdin)")
	cmd.Flags().StringVar(&opts.text, "text", "", "methodology text")
	cmd.Flags().StringVarP(&opts.caption, "caption", "c", "", "figure caption")
	cmd.MarkFlagsMutuallyExclusive("input", "text")
	cmd.MarkFlagsOneRequired("input", "text")
	cmd.MarkFlagRequired("caption")

	return cmd
}

// plotOpts holds the command-line flags for the plot command.
type plotOpts struct {
	data   string // JSON data file, "-" for stdin
	intent string // visual intent
}

// plotCommand creates the plot command for statistical plots.
func (c *CLI) plotCommand() *cobra.Command {
	opts := plotOpts{}

	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Generate a statistical plot from raw data",
		Long: `Generate a statistical plot from a JSON data file and a visual intent.

Plots are rendered by executing generated charting code with the configured
Python interpreter (see [sandbox] in the config file).`,
		Example: `  paperbanana plot --data results.json --intent "Bar chart of accuracy per model"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readSource(cmd.InOrStdin(), opts.data, "")
			if err != nil {
				return err
			}
			req, err := agents.NewPlotRequest([]byte(data), opts.intent)
			if err != nil {
				return err
			}
			return c.runRequest(cmd.Context(), req)
		},
	}

	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "JSON data file (- for stdin)")
	cmd.Flags().StringVar(&opts.intent, "intent", "", "visual intent")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("intent")

	return cmd
}

// readSource returns inline text, or the contents of path ("-" reads stdin).
func readSource(stdin io.Reader, path, inline string) (string, error) {
	if path == "" {
		return inline, nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", pberrors.Wrap(pberrors.ErrCodeValidation, err, "read %s", path)
	}
	return string(data), nil
}

// runRequest executes one run in the foreground and prints its outcome.
func (c *CLI) runRequest(ctx context.Context, req agents.Request) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := loggerFromContext(ctx)

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	defer showProgress()()

	prog := newProgress(logger)
	st, err := e.Run(ctx, req)
	if st != nil {
		printNewline()
		printRunResult(st)
	}
	if err == nil {
		prog.done("Run finished")
	}
	return err
}

// printRunResult summarizes a run that may or may not be terminal.
func printRunResult(st *pipeline.RunState) {
	cached := st.Planning != nil && st.Planning.RetrievalCached

	switch st.Status {
	case pipeline.StatusSucceeded:
		printSuccess("Run %s succeeded", StyleHighlight.Render(st.RunID))
		printRunStats(len(st.Iterations), st.Converged, cached)
		printFile(st.FinalImagePath())
		printFile(filepath.Join(st.Dir, pipeline.FileReportMD))
	case pipeline.StatusFailed:
		printError("Run %s failed in %s", StyleHighlight.Render(st.RunID), st.Phase)
		printDetail("%s", st.Reason)
		if p := st.FinalImagePath(); p != "" {
			printDetail("Last rendered image:")
			printFile(p)
		}
		printFile(st.Dir)
	default:
		printWarning("Run %s interrupted while %s", st.RunID, st.Status)
		printNextStep("Resume with", fmt.Sprintf("%s resume %s", appName, st.Dir))
	}
}
