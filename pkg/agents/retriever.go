package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/cache"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

const (
	// DefaultTopK is the number of examples handed to the planner.
	DefaultTopK = 10

	candidateContextChars = 300
)

// Retriever selects the reference examples most relevant to a request.
type Retriever struct {
	deps  Deps
	cache cache.Cache
	keyer cache.Keyer
	topK  int
	model string

	// TTL is how long scores stay cached.
	TTL time.Duration
}

// NewRetriever creates a retriever. A nil cache disables caching, a nil
// keyer uses cache.DefaultKeyer, and topK < 1 means DefaultTopK. model is
// folded into cache keys.
func NewRetriever(d Deps, c cache.Cache, keyer cache.Keyer, topK int, model string) *Retriever {
	if c == nil {
		c = cache.NewNullCache()
	}
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	if topK < 1 {
		topK = DefaultTopK
	}
	return &Retriever{
		deps:  d.withDefaults(stageRetrieve),
		cache: c,
		keyer: keyer,
		topK:  topK,
		model: model,
		TTL:   cache.TTLScores,
	}
}

// Retrieve is RetrieveWithCacheInfo without the cache hit flag.
func (r *Retriever) Retrieve(ctx context.Context, req Request, set *reference.Set) ([]reference.Example, error) {
	examples, _, err := r.RetrieveWithCacheInfo(ctx, req, set)
	return examples, err
}

// RetrieveWithCacheInfo returns at most topK examples, most relevant first,
// and whether the scores came from the cache.
//
// An empty set yields an empty selection without a service call. A set no
// larger than topK is returned whole, in set order. Otherwise one batched
// scoring call ranks all candidates; ties keep set order. Candidates scored
// non-positive are dropped unless that would leave nothing, in which case
// the first topK in set order are used.
func (r *Retriever) RetrieveWithCacheInfo(ctx context.Context, req Request, set *reference.Set) ([]reference.Example, bool, error) {
	logger := r.deps.Logger
	if set.Len() == 0 {
		logger.Warn("no reference examples available")
		return []reference.Example{}, false, nil
	}
	if set.Len() <= r.topK {
		logger.Debug("reference set within limit, using all", "examples", set.Len())
		return slices.Clone(set.Examples), false, nil
	}

	prompt, err := renderPrompt(req.Mode, stageRetrieve, promptData{
		SourceContext: req.SourceContext(),
		Caption:       req.Goal(),
		Candidates:    formatCandidates(req.Mode, set.Examples),
		Limit:         r.topK,
	})
	if err != nil {
		return nil, false, err
	}

	key := r.keyer.ScoreKey(req.Goal()+"\n"+req.SourceContext(), cache.ScoreKeyOpts{
		Mode:  string(req.Mode),
		Model: r.model,
		IDs:   set.IDs(),
		Limit: r.topK,
	})
	if data, hit, err := r.cache.Get(ctx, key); err == nil && hit {
		var scores []float64
		if err := json.Unmarshal(data, &scores); err == nil && len(scores) == set.Len() {
			return r.selectTop(set.Examples, scores), true, nil
		}
	}

	candidates := make([]genai.Candidate, set.Len())
	for i, ex := range set.Examples {
		candidates[i] = genai.Candidate{ID: ex.ID, Text: ex.Caption + "\n" + ex.SourceContext}
	}
	logger.Info("scoring reference examples", "candidates", len(candidates), "top_k", r.topK)

	scores, stats, err := retry.Do(ctx, r.deps.Text, stageRetrieve, func(ctx context.Context) ([]float64, error) {
		return r.deps.Service.Score(ctx, genai.ScoreRequest{
			Prompt:     prompt,
			Query:      req.Goal() + "\n" + req.SourceContext(),
			Candidates: candidates,
			Limit:      r.topK,
		})
	})
	if err != nil {
		return nil, false, err
	}
	if len(scores) != len(candidates) {
		return nil, false, pberrors.New(pberrors.ErrCodeExternalService,
			"scoring returned %d scores for %d candidates", len(scores), len(candidates))
	}
	if stats.Retries > 0 {
		logger.Debug("scoring needed retries", "retries", stats.Retries)
	}

	if data, err := json.Marshal(scores); err == nil {
		_ = r.cache.Set(ctx, key, data, r.TTL)
	}
	return r.selectTop(set.Examples, scores), false, nil
}

func (r *Retriever) selectTop(examples []reference.Example, scores []float64) []reference.Example {
	idx := make([]int, 0, len(examples))
	for i := range examples {
		if scores[i] > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		r.deps.Logger.Warn("no usable relevance scores, falling back to set order", "top_k", r.topK)
		return slices.Clone(examples[:min(r.topK, len(examples))])
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})
	if len(idx) > r.topK {
		idx = idx[:r.topK]
	}
	selected := make([]reference.Example, len(idx))
	for i, j := range idx {
		selected[i] = examples[j]
	}
	r.deps.Logger.Info("selected reference examples", "selected", len(selected))
	return selected
}

func formatCandidates(mode Mode, examples []reference.Example) string {
	kind, idLabel, goalLabel, ctxLabel := "Paper", "Paper ID", "Caption", "Methodology section"
	if mode == ModePlot {
		kind, idLabel, goalLabel, ctxLabel = "Plot", "Plot ID", "Visual intent", "Raw data"
	}
	var b strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&b, "Candidate %s %d:\n", kind, i+1)
		fmt.Fprintf(&b, "- **%s:** %s\n", idLabel, ex.ID)
		fmt.Fprintf(&b, "- **%s:** %s\n", goalLabel, ex.Caption)
		fmt.Fprintf(&b, "- **%s:** %s\n\n", ctxLabel, truncate(ex.SourceContext, candidateContextChars))
	}
	return b.String()
}
