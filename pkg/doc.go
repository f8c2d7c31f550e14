// Package pkg provides the core libraries for PaperBanana figure generation.
//
// # Overview
//
// PaperBanana turns a methodology section and a figure caption, or raw data
// and a visual intent, into a publication-ready figure. A run has two phases:
//
//  1. Planning: the retriever selects reference examples, the planner drafts a
//     figure description and the stylist polishes it against fixed aesthetic
//     guidelines.
//  2. Refining: the visualizer renders the description and the critic either
//     accepts the image or returns suggestions for the next iteration, up to a
//     bounded number of iterations.
//
// # Architecture
//
//	Request (diagram | plot)
//	         ↓
//	    [agents] Retriever → Planner → Stylist
//	         ↓
//	    [pipeline] Orchestrator (state machine, run directory, resume)
//	         ↓
//	    [agents] Visualizer ⇄ Critic
//	         ↓
//	    final_output.png + report.md / report.html
//
// # Quick Start
//
//	deps := agents.Deps{Service: offline.New(nil), Text: retry.DefaultPolicy(), Image: retry.DefaultPolicy()}
//	orch, _ := pipeline.New(deps, pipeline.Options{OutputDir: "outputs"})
//
//	req, _ := agents.NewDiagramRequest(methodText, "Overview of the proposed encoder")
//	st, err := orch.Run(ctx, req)
//	if err == nil {
//	    fmt.Println(st.FinalImagePath())
//	}
//
// # Main Packages
//
// [agents] - The five stages and their prompt templates.
//
// [pipeline] - Orchestrator, run state and on-disk artifacts.
//
// [genai] - The capability interface to the generation service, with an
// OpenAI-backed provider, a deterministic offline provider and a test stub.
//
// [retry] - Bounded exponential backoff with transient error classification.
//
// [reference] - Reference example sets loaded from JSON or YAML indexes.
//
// [sandbox] - Execution of generated plotting code in a child process.
//
// [cache] - Retrieval score cache with file, Redis and null backends.
//
// [runstore] - Run summary index with file and MongoDB backends.
//
// [report] - Per-run markdown and HTML reports.
//
// [config], [errors], [observability] and [buildinfo] carry configuration,
// the coded error taxonomy, event hooks and version information.
package pkg
