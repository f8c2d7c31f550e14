package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
)

// runsCommand creates the run index command.
func (c *CLI) runsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past runs",
	}

	cmd.AddCommand(c.runsListCommand())
	cmd.AddCommand(c.runsShowCommand())
	cmd.AddCommand(c.runsBrowseCommand())

	return cmd
}

// openRunStore loads the configuration and opens the run index behind a
// spinner.
func (c *CLI) openRunStore(ctx context.Context) (runstore.Store, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	spinner := newSpinnerWithContext(ctx, "Opening run index...")
	spinner.Start()
	store, err := newStore(ctx, cfg)
	spinner.Stop()
	return store, err
}

// runsListCommand creates the "runs list" subcommand.
func (c *CLI) runsListCommand() *cobra.Command {
	var opts runstore.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openRunStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				printInfo("No runs recorded")
				return nil
			}
			fmt.Println(runsTable(runs, -1))
			printDetail("%d run(s)", len(runs))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only runs with this status (succeeded, failed, refining, ...)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "only runs of this mode (diagram, plot)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 = all)")

	return cmd
}

// runsShowCommand creates the "runs show" subcommand.
func (c *CLI) runsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openRunStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRunDetails(sum)
			return nil
		},
	}
}

// runsBrowseCommand creates the interactive "runs browse" subcommand.
func (c *CLI) runsBrowseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse runs interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openRunStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), runstore.ListOptions{})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				printInfo("No runs recorded")
				return nil
			}

			final, err := tea.NewProgram(NewRunListModel(runs), tea.WithContext(cmd.Context())).Run()
			if err != nil {
				return err
			}
			if m, ok := final.(RunListModel); ok && m.Selected != nil {
				printRunDetails(*m.Selected)
			}
			return nil
		},
	}
}

// =============================================================================
// Rendering
// =============================================================================

// runsTable renders summaries as a table. The row at cursor is highlighted;
// pass -1 for none.
func runsTable(runs []runstore.Summary, cursor int) string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID,
			r.Mode,
			r.Status,
			strconv.Itoa(r.Iterations),
			formatRelativeTime(r.CreatedAt, time.Now()),
			truncateText(oneLine(r.Goal), 40),
		}
	}

	headerStyle := lipgloss.NewStyle().Foreground(colorGray).Bold(true)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers("Run", "Mode", "Status", "Iter", "Created", "Goal").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle
			}
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == cursor {
				base = base.Bold(true)
			}
			if col == 2 && row < len(runs) {
				switch runs[row].Status {
				case string(pipeline.StatusSucceeded):
					return base.Foreground(colorGreen)
				case string(pipeline.StatusFailed):
					return base.Foreground(colorRed)
				default:
					return base.Foreground(colorYellow)
				}
			}
			if row == cursor {
				return base.Foreground(colorCyan)
			}
			if col >= 3 {
				return base.Foreground(colorDim)
			}
			return base
		}).
		Render()
}

// printRunDetails prints one run summary, plus its iteration history when
// the run directory is readable.
func printRunDetails(sum runstore.Summary) {
	fmt.Println(StyleTitle.Render(sum.ID))
	printKeyValue("Mode", sum.Mode)
	printKeyValue("Status", statusText(sum.Status))
	if sum.Phase != "" {
		printKeyValue("Phase", sum.Phase)
	}
	if sum.Reason != "" {
		printKeyValue("Reason", sum.Reason)
	}
	printKeyValue("Goal", oneLine(sum.Goal))
	printKeyValue("Iterations", StyleNumber.Render(strconv.Itoa(sum.Iterations)))
	printKeyValue("Converged", strconv.FormatBool(sum.Converged))
	printKeyValue("Created", sum.CreatedAt.Local().Format(time.DateTime))
	printKeyValue("Directory", sum.Dir)

	st, err := pipeline.Load(sum.Dir)
	if err != nil {
		printDetail("run directory unavailable: %v", err)
		return
	}
	if len(st.Iterations) > 0 {
		printNewline()
		for _, rec := range st.Iterations {
			verdict := string(rec.Verdict)
			if rec.Provisional() {
				verdict = "pending"
			}
			line := fmt.Sprintf("iteration %d: %s", rec.Index, verdict)
			if rec.RenderError != "" {
				line += " (" + rec.RenderError + ")"
			}
			printInfo("%s", line)
			for _, s := range rec.Suggestions {
				printDetail("- %s", s)
			}
		}
	}
	if p := st.FinalImagePath(); p != "" {
		printNewline()
		printFile(p)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func formatRelativeTime(t, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("Jan 2, 2006")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
