package cli

import (
	"context"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/observability"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
)

// progressHooks prints pipeline progress lines while a run executes in the
// foreground.
type progressHooks struct {
	observability.NoopPipelineHooks
}

func (progressHooks) OnPhaseComplete(_ context.Context, _ string, phase string, d time.Duration, err error) {
	if err != nil {
		return
	}
	printInfo("%s done %s", phase, StyleDim.Render("("+d.Round(time.Millisecond).String()+")"))
}

func (progressHooks) OnIteration(_ context.Context, _ string, index int, verdict string, d time.Duration) {
	switch pipeline.Verdict(verdict) {
	case pipeline.VerdictAccept:
		printSuccess("iteration %d accepted %s", index, StyleDim.Render("("+d.Round(time.Millisecond).String()+")"))
	case pipeline.VerdictRenderFailed:
		printWarning("iteration %d render failed", index)
	default:
		printInfo("iteration %d revised %s", index, StyleDim.Render("("+d.Round(time.Millisecond).String()+")"))
	}
}

// showProgress registers progressHooks for the lifetime of one command.
func showProgress() func() {
	observability.SetPipelineHooks(progressHooks{})
	return observability.Reset
}
