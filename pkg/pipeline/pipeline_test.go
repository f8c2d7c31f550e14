package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai/genaitest"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/observability"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
)

func testDeps(stub genai.Service) agents.Deps {
	p := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return agents.Deps{Service: stub, Text: p, Image: p}
}

func newOrchestrator(t *testing.T, stub genai.Service, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{OutputDir: t.TempDir()}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(testDeps(stub), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func diagramRequest(t *testing.T) agents.Request {
	t.Helper()
	req, err := agents.NewDiagramRequest("A retriever feeds a planner, a stylist and a render loop.", "Pipeline overview")
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func plotRequest(t *testing.T) agents.Request {
	t.Helper()
	req, err := agents.NewPlotRequest([]byte(`{"x":[1,2,3],"y":[2,4,8]}`), "Line plot of y over x")
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func referenceSet(n int) map[agents.Mode]*reference.Set {
	set := &reference.Set{Name: "test"}
	for i := range n {
		set.Examples = append(set.Examples, reference.Example{
			ID:            fmt.Sprintf("ref_%d", i+1),
			SourceContext: "context",
			Caption:       fmt.Sprintf("caption %d", i+1),
		})
	}
	return map[agents.Mode]*reference.Set{agents.ModeDiagram: set, agents.ModePlot: set}
}

// sizedImages returns a VisualFunc whose n-th image is (n+1)x(n+1) pixels.
func sizedImages() func(genai.VisualRequest) (genai.Visual, error) {
	var mu sync.Mutex
	n := 0
	return func(genai.VisualRequest) (genai.Visual, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return genai.Visual{Image: genaitest.PNG(n+1, n+1)}, nil
	}
}

func readFile(t *testing.T, st *RunState, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(st.Dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func checkInvariants(t *testing.T, st *RunState) {
	t.Helper()
	if len(st.Iterations) > st.MaxIterations {
		t.Errorf("%d iterations exceed bound %d", len(st.Iterations), st.MaxIterations)
	}
	for i, rec := range st.Iterations {
		if rec.Index != i+1 {
			t.Errorf("iteration %d has index %d", i+1, rec.Index)
		}
		if rec.Verdict == VerdictAccept && i != len(st.Iterations)-1 {
			t.Errorf("iteration %d accepted but followed by more iterations", rec.Index)
		}
	}
	if st.Status == StatusSucceeded {
		if st.FinalImage == "" {
			t.Fatal("succeeded run has no final image")
		}
		final := readFile(t, st, FileFinal)
		last := readFile(t, st, st.LastImage())
		if !bytes.Equal(final, last) {
			t.Error("final image differs from the last recorded iteration's image")
		}
		if st.LastImage() != st.Iterations[len(st.Iterations)-1].Image {
			t.Error("last recorded iteration has no image")
		}
	}
	if st.Status == StatusFailed && st.LastImage() != "" && st.FinalImage == "" {
		t.Errorf("failed run rendered %s but has no final image", st.LastImage())
	}
	if st.Status == StatusFailed && st.LastImage() == "" && st.FinalImage != "" {
		t.Errorf("failed run without images has final image %s", st.FinalImage)
	}
}

func TestEmptyReferenceSetStillPlans(t *testing.T) {
	stub := &genaitest.Stub{}
	o := newOrchestrator(t, stub, nil)

	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Planning == nil || len(st.Planning.SelectedExamples) != 0 {
		t.Fatalf("planning = %+v, want no selected examples", st.Planning)
	}
	if st.Planning.Description == "" {
		t.Error("planner should produce a description without examples")
	}
	if stub.Count("Score") != 0 {
		t.Error("empty reference set should not be scored")
	}
	if st.Status != StatusSucceeded {
		t.Errorf("status = %s", st.Status)
	}
	checkInvariants(t, st)
}

func TestAcceptOnFirstIteration(t *testing.T) {
	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Accept())}
	o := newOrchestrator(t, stub, nil)

	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusSucceeded || len(st.Iterations) != 1 || !st.Converged {
		t.Fatalf("status=%s iterations=%d converged=%v", st.Status, len(st.Iterations), st.Converged)
	}
	if st.Iterations[0].Verdict != VerdictAccept {
		t.Errorf("verdict = %s", st.Iterations[0].Verdict)
	}
	if stub.Count("GenerateVisual") != 1 || stub.Count("Critique") != 1 {
		t.Errorf("calls: %v", stub.Trace())
	}
	checkInvariants(t, st)
}

func TestReviseUntilIterationBound(t *testing.T) {
	stub := &genaitest.Stub{
		VisualFunc:   sizedImages(),
		CritiqueFunc: genaitest.Critiques(genaitest.Revise("enlarge the labels")),
	}
	o := newOrchestrator(t, stub, func(o *Options) { o.MaxIterations = 3 })

	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusSucceeded || len(st.Iterations) != 3 {
		t.Fatalf("status=%s iterations=%d", st.Status, len(st.Iterations))
	}
	if st.Converged {
		t.Error("run should not be marked converged")
	}
	if !bytes.Equal(readFile(t, st, FileFinal), genaitest.PNG(4, 4)) {
		t.Error("final image should be iteration 3's image")
	}
	for _, rec := range st.Iterations {
		if rec.Verdict != VerdictRevise || rec.Feedback() != "enlarge the labels" {
			t.Errorf("iteration %d: verdict=%s feedback=%q", rec.Index, rec.Verdict, rec.Feedback())
		}
	}
	if st.Iterations[0].Description == st.Iterations[1].Description {
		t.Error("feedback should be merged into the next description")
	}
	checkInvariants(t, st)
}

type scriptedExecutor struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (e *scriptedExecutor) Execute(_ context.Context, code string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i < len(e.results) && e.results[i] != nil {
		return nil, e.results[i]
	}
	return genaitest.PNG(i+2, i+2), nil
}

func TestPlotRenderFailureRecovers(t *testing.T) {
	exec := &scriptedExecutor{results: []error{pberrors.Render(nil, "plot code failed: NameError")}}
	var notices []string
	stub := &genaitest.Stub{CritiqueFunc: func(req genai.CritiqueRequest) (genai.Critique, error) {
		notices = append(notices, req.Prompt)
		return genaitest.Accept(), nil
	}}
	o := newOrchestrator(t, stub, func(o *Options) { o.Executor = exec })

	st, err := o.Run(context.Background(), plotRequest(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusSucceeded || len(st.Iterations) != 2 {
		t.Fatalf("status=%s iterations=%d", st.Status, len(st.Iterations))
	}
	first := st.Iterations[0]
	if first.Verdict != VerdictRenderFailed || first.Image != "" || first.RenderError == "" {
		t.Errorf("iteration 1 = %+v, want recorded render failure", first)
	}
	if !bytes.Equal(readFile(t, st, FileFinal), genaitest.PNG(3, 3)) {
		t.Error("final image should be iteration 2's image")
	}
	if len(notices) != 1 || !bytes.Contains([]byte(notices[0]), []byte("NameError")) {
		t.Error("critic should be told that the previous render failed")
	}
	checkInvariants(t, st)
}

func TestPlotRenderFailsOnLastIteration(t *testing.T) {
	renderErr := pberrors.Render(nil, "plot code failed")
	tests := []struct {
		name      string
		results   []error
		wantFinal string
	}{
		{"every iteration", []error{renderErr, renderErr}, ""},
		{"after a revise", []error{nil, renderErr}, IterationImage(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Revise("fix axis"))}
			o := newOrchestrator(t, stub, func(o *Options) {
				o.MaxIterations = 2
				o.Executor = &scriptedExecutor{results: tt.results}
			})
			st, err := o.Run(context.Background(), plotRequest(t))
			if !pberrors.Is(err, pberrors.ErrCodeRender) {
				t.Fatalf("err = %v, want RENDER", err)
			}
			if st.Status != StatusFailed || st.Phase != PhaseRefining {
				t.Errorf("status=%s phase=%s", st.Status, st.Phase)
			}
			if st.FinalImage != tt.wantFinal {
				t.Errorf("final image = %q, want %q", st.FinalImage, tt.wantFinal)
			}
			if _, err := os.Stat(filepath.Join(st.Dir, FileFinal)); err == nil {
				t.Error("final_output.png should not be written for a failed run")
			}
			checkInvariants(t, st)
		})
	}
}

func TestPlanningOrder(t *testing.T) {
	stub := &genaitest.Stub{ScoreFunc: func(req genai.ScoreRequest) ([]float64, error) {
		return []float64{0, 1, 2}, nil
	}}
	o := newOrchestrator(t, stub, func(o *Options) {
		o.TopK = 2
		o.References = referenceSet(3)
	})
	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Score", "GenerateText:plan", "GenerateText:style", "GenerateVisual:image", "Critique"}
	if got := stub.Trace(); !slices.Equal(got, want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
	if ids := st.Planning.SelectedIDs(); !slices.Equal(ids, []string{"ref_3", "ref_2"}) {
		t.Errorf("selected = %v", ids)
	}
}

func TestRefinementAlternatesVisualizeAndCritique(t *testing.T) {
	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(
		genaitest.Revise("a"), genaitest.Revise("b"), genaitest.Accept())}
	o := newOrchestrator(t, stub, func(o *Options) { o.MaxIterations = 5 })
	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	trace := stub.Trace()[2:]
	for i, call := range trace {
		want := "GenerateVisual:image"
		if i%2 == 1 {
			want = "Critique"
		}
		if call != want {
			t.Fatalf("call %d = %s, want %s (trace %v)", i, call, want, trace)
		}
	}
	if len(st.Iterations) != 3 || !st.Converged {
		t.Errorf("iterations=%d converged=%v", len(st.Iterations), st.Converged)
	}
}

func TestIdenticalRunsAreIdempotent(t *testing.T) {
	run := func() *RunState {
		stub := &genaitest.Stub{
			ScoreFunc: func(req genai.ScoreRequest) ([]float64, error) {
				return []float64{3, 1, 2}, nil
			},
			CritiqueFunc: genaitest.Critiques(genaitest.Revise("x"), genaitest.Accept()),
		}
		o := newOrchestrator(t, stub, func(o *Options) {
			o.TopK = 2
			o.References = referenceSet(3)
		})
		st, err := o.Run(context.Background(), diagramRequest(t))
		if err != nil {
			t.Fatal(err)
		}
		return st
	}
	a, b := run(), run()
	if a.RunID == b.RunID {
		t.Error("run ids should differ")
	}
	if !slices.Equal(a.Planning.SelectedIDs(), b.Planning.SelectedIDs()) ||
		a.Planning.Description != b.Planning.Description ||
		a.Planning.StyledDescription != b.Planning.StyledDescription {
		t.Error("planning results differ")
	}
	if len(a.Iterations) != len(b.Iterations) {
		t.Fatalf("iteration counts differ: %d vs %d", len(a.Iterations), len(b.Iterations))
	}
	for i := range a.Iterations {
		if a.Iterations[i].Verdict != b.Iterations[i].Verdict || a.Iterations[i].Description != b.Iterations[i].Description {
			t.Errorf("iteration %d differs", i+1)
		}
	}
}

func TestPlanningFailureAborts(t *testing.T) {
	stub := &genaitest.Stub{TextFunc: func(req genai.TextRequest) (string, error) {
		if req.Op == "plan" {
			return "", errors.New("401 unauthorized")
		}
		return "ok", nil
	}}
	o := newOrchestrator(t, stub, nil)
	st, err := o.Run(context.Background(), diagramRequest(t))
	if !pberrors.Is(err, pberrors.ErrCodeExternalService) {
		t.Fatalf("err = %v, want EXTERNAL_SERVICE", err)
	}
	if pberrors.PhaseOf(err) != PhasePlanning {
		t.Errorf("phase = %q", pberrors.PhaseOf(err))
	}
	if st.Status != StatusFailed || st.Stage != "plan" || st.Reason == "" {
		t.Errorf("state = %s/%s reason %q", st.Status, st.Stage, st.Reason)
	}
	if stub.Count("GenerateVisual") != 0 || len(st.Iterations) != 0 {
		t.Error("no refinement should happen after a planning failure")
	}
	if st.FinalImage != "" {
		t.Error("failed planning should have no final image")
	}
	if err := st.Err(); pberrors.PhaseOf(err) != PhasePlanning {
		t.Errorf("Err() = %v", err)
	}
}

// failAfter returns a func that answers with ok for the first n calls and
// with fail afterwards.
func failAfter[Req, Resp any](n int, ok func() Resp, fail error) func(Req) (Resp, error) {
	var (
		mu    sync.Mutex
		calls int
	)
	return func(Req) (Resp, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return ok(), nil
		}
		var zero Resp
		return zero, fail
	}
}

func TestVisualizerFatalAppendsNoRecord(t *testing.T) {
	image := func() genai.Visual { return genai.Visual{Image: genaitest.PNG(2, 2)} }
	tests := []struct {
		name      string
		images    int
		wantRecs  int
		wantFinal string
	}{
		{"first iteration", 0, 0, ""},
		{"after a rendered image", 1, 1, IterationImage(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &genaitest.Stub{
				VisualFunc:   failAfter[genai.VisualRequest](tt.images, image, errors.New("400 content policy")),
				CritiqueFunc: genaitest.Critiques(genaitest.Revise("bigger labels")),
			}
			o := newOrchestrator(t, stub, nil)
			st, err := o.Run(context.Background(), diagramRequest(t))
			if err == nil || st.Status != StatusFailed {
				t.Fatalf("status=%s err=%v", st.Status, err)
			}
			if len(st.Iterations) != tt.wantRecs || st.Stage != "visualize" {
				t.Errorf("iterations=%d stage=%s", len(st.Iterations), st.Stage)
			}
			if st.FinalImage != tt.wantFinal {
				t.Errorf("final image = %q, want %q", st.FinalImage, tt.wantFinal)
			}
			checkInvariants(t, st)
		})
	}
}

func TestCriticFailureKeepsProvisionalRecord(t *testing.T) {
	revise := func() genai.Critique { return genaitest.Revise("align arrows") }
	tests := []struct {
		name      string
		critiques int
		wantRecs  int
	}{
		{"first iteration", 0, 1},
		{"after a revision", 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &genaitest.Stub{
				CritiqueFunc: failAfter[genai.CritiqueRequest](tt.critiques, revise, retry.Transient(errors.New("503"))),
			}
			o := newOrchestrator(t, stub, nil)
			st, err := o.Run(context.Background(), diagramRequest(t))
			if !pberrors.Is(err, pberrors.ErrCodeExternalService) {
				t.Fatalf("err = %v", err)
			}
			if len(st.Iterations) != tt.wantRecs {
				t.Fatalf("iterations = %+v, want %d records", st.Iterations, tt.wantRecs)
			}
			last := st.Iterations[len(st.Iterations)-1]
			if !last.Provisional() || last.Image == "" {
				t.Errorf("last record = %+v, want provisional with its image", last)
			}
			if st.FinalImage != last.Image {
				t.Errorf("final image = %q, want %q", st.FinalImage, last.Image)
			}
			checkInvariants(t, st)

			loaded, err := Load(st.Dir)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.Status != StatusFailed || len(loaded.Iterations) != tt.wantRecs || loaded.FinalImage != last.Image {
				t.Errorf("persisted state = %s with %d iterations, final %q", loaded.Status, len(loaded.Iterations), loaded.FinalImage)
			}
		})
	}
}

func TestInvalidRequestCreatesNothing(t *testing.T) {
	o := newOrchestrator(t, &genaitest.Stub{}, nil)
	st, err := o.Run(context.Background(), agents.Request{Mode: agents.ModeDiagram})
	if !pberrors.Is(err, pberrors.ErrCodeValidation) || st != nil {
		t.Fatalf("st=%v err=%v", st, err)
	}
	entries, _ := os.ReadDir(o.Options().OutputDir)
	if len(entries) != 0 {
		t.Errorf("output dir has %d entries", len(entries))
	}
}

func TestArtifactsWritten(t *testing.T) {
	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Revise("x"), genaitest.Accept())}
	reporter := &countingReporter{}
	o := newOrchestrator(t, stub, func(o *Options) { o.Reporter = reporter })
	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{FileRequest, FileState, FilePlanning, IterationImage(1), IterationDetails(1),
		IterationImage(2), IterationDetails(2), FileFinal} {
		if _, err := os.Stat(filepath.Join(st.Dir, name)); err != nil {
			t.Errorf("missing %s", name)
		}
	}
	if reporter.calls != 1 {
		t.Errorf("reporter calls = %d, want 1", reporter.calls)
	}
	loaded, err := Load(st.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != StatusSucceeded || loaded.FinalImagePath() != st.FinalImagePath() {
		t.Errorf("loaded state = %+v", loaded)
	}
	if loaded.Request.Caption != "Pipeline overview" {
		t.Errorf("request not restored: %+v", loaded.Request)
	}
}

type countingReporter struct{ calls int }

func (r *countingReporter) WriteReport(*RunState, *RunDir) error {
	r.calls++
	return nil
}

func TestRunIndexRecorded(t *testing.T) {
	store, err := runstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, &genaitest.Stub{}, func(o *Options) { o.Store = store })
	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := store.Get(context.Background(), st.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != string(StatusSucceeded) || sum.Iterations != 1 || sum.FinalImage != st.FinalImagePath() {
		t.Errorf("summary = %+v", sum)
	}
}

func TestResumeAfterInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &genaitest.Stub{CritiqueFunc: func(genai.CritiqueRequest) (genai.Critique, error) {
		cancel()
		return genai.Critique{}, context.Canceled
	}}
	o := newOrchestrator(t, stub, nil)
	st, err := o.Run(ctx, diagramRequest(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st.Status != StatusRefining {
		t.Fatalf("interrupted run status = %s", st.Status)
	}

	resumed := &genaitest.Stub{}
	o2, err := New(testDeps(resumed), o.Options())
	if err != nil {
		t.Fatal(err)
	}
	got, err := o2.Resume(context.Background(), st.Dir)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got.Status != StatusSucceeded || len(got.Iterations) != 1 {
		t.Errorf("status=%s iterations=%d", got.Status, len(got.Iterations))
	}
	if resumed.Count("GenerateText") != 0 {
		t.Error("resume should not redo planning")
	}
	if got.Planning.StyledDescription != st.Planning.StyledDescription {
		t.Error("resume should keep the persisted plan")
	}
	checkInvariants(t, got)
}

func TestResumeContinuesFromNextIteration(t *testing.T) {
	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Revise("bigger font"))}
	o := newOrchestrator(t, stub, func(o *Options) { o.MaxIterations = 1 })
	st, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}

	// Reopen the run as if it had stopped after iteration 1 with room for more.
	st.Status = StatusRefining
	st.MaxIterations = 3
	st.FinalImage = ""
	st.FinishedAt = nil
	if err := (&RunDir{path: st.Dir}).WriteJSON(FileState, st); err != nil {
		t.Fatal(err)
	}

	resumed := &genaitest.Stub{}
	o2 := newOrchestrator(t, resumed, nil)
	got, err := o2.Resume(context.Background(), st.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Iterations) != 2 || got.Iterations[1].Index != 2 {
		t.Fatalf("iterations = %d", len(got.Iterations))
	}
	if !resumed.Contains("GenerateVisual", "bigger font") {
		t.Error("resumed pass should use the persisted working description")
	}
}

func TestResumeTerminalAndUnplanned(t *testing.T) {
	stub := &genaitest.Stub{}
	o := newOrchestrator(t, stub, nil)

	done, err := o.Run(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	calls := len(stub.Calls())
	got, err := o.Resume(context.Background(), done.Dir)
	if err != nil || got.Status != StatusSucceeded {
		t.Fatalf("resume terminal: %v %v", got, err)
	}
	if len(stub.Calls()) != calls {
		t.Error("resuming a terminal run should not call the service")
	}

	prepared, err := o.Prepare(context.Background(), diagramRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	got, err = o.Resume(context.Background(), prepared.Dir)
	if err != nil || got.Status != StatusSucceeded || got.Planning == nil {
		t.Fatalf("resume unplanned: status=%v err=%v", got.Status, err)
	}

	if _, err := o.Resume(context.Background(), t.TempDir()); !pberrors.Is(err, pberrors.ErrCodeNotFound) {
		t.Errorf("resume of non-run dir err = %v", err)
	}
}

type iterationHooks struct {
	observability.NoopPipelineHooks
	mu       sync.Mutex
	verdicts []string
	statuses []string
}

func (h *iterationHooks) OnIteration(_ context.Context, _ string, _ int, verdict string, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verdicts = append(h.verdicts, verdict)
}

func (h *iterationHooks) OnRunComplete(_ context.Context, _ string, status string, _ int, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func TestPipelineHooks(t *testing.T) {
	hooks := &iterationHooks{}
	observability.SetPipelineHooks(hooks)
	defer observability.Reset()

	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Revise("x"), genaitest.Accept())}
	if _, err := newOrchestrator(t, stub, nil).Run(context.Background(), diagramRequest(t)); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(hooks.verdicts, []string{"revise", "accept"}) {
		t.Errorf("verdicts = %v", hooks.verdicts)
	}
	if !slices.Equal(hooks.statuses, []string{"succeeded"}) {
		t.Errorf("statuses = %v", hooks.statuses)
	}
}

func TestConcurrentRuns(t *testing.T) {
	stub := &genaitest.Stub{CritiqueFunc: genaitest.Critiques(genaitest.Accept())}
	o := newOrchestrator(t, stub, nil)

	var wg sync.WaitGroup
	results := make([]*RunState, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Run(context.Background(), diagramRequest(t))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, st := range results {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if seen[st.Dir] {
			t.Errorf("run directory %s reused", st.Dir)
		}
		seen[st.Dir] = true
	}
}

func TestOptionsValidateAndSetDefaults(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"zero value", Options{}, false},
		{"iterations too high", Options{MaxIterations: MaxIterationsLimit + 1}, true},
		{"negative iterations", Options{MaxIterations: -1}, true},
		{"negative top-k", Options{TopK: -1}, true},
		{"negative size", Options{Width: -5}, true},
		{"ratio above one", Options{MinStyleRatio: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.ValidateAndSetDefaults()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !pberrors.Is(err, pberrors.ErrCodeValidation) {
					t.Errorf("err should be VALIDATION: %v", err)
				}
				return
			}
			if tt.opts.MaxIterations != DefaultMaxIterations || tt.opts.TopK != agents.DefaultTopK ||
				tt.opts.OutputDir != DefaultOutputDir || tt.opts.Cache == nil || tt.opts.Logger == nil {
				t.Errorf("defaults not applied: %+v", tt.opts)
			}
		})
	}
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(agents.Deps{}, Options{}); !pberrors.Is(err, pberrors.ErrCodeValidation) {
		t.Errorf("err = %v", err)
	}
}
