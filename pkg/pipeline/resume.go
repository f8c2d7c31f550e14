package pipeline

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/reference"
)

// Load reads the request and state of the run in path.
func Load(path string) (*RunState, error) {
	dir, err := OpenRunDir(path)
	if err != nil {
		return nil, err
	}
	var req agents.Request
	if err := dir.ReadJSON(FileRequest, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var st RunState
	if err := dir.ReadJSON(FileState, &st); err != nil {
		return nil, err
	}
	if st.RunID == "" {
		st.RunID = filepath.Base(dir.Path())
	}
	if st.MaxIterations < 1 {
		st.MaxIterations = DefaultMaxIterations
	}
	st.Dir = dir.Path()
	st.Request = req
	return &st, nil
}

// Resume continues the run in path. Terminal runs are returned as they are.
// Runs that finished planning continue refining from the next iteration with
// the persisted working description; runs without a plan restart planning.
func (o *Orchestrator) Resume(ctx context.Context, path string) (*RunState, error) {
	st, err := Load(path)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, st.Err()
	}
	if st.Planning == nil && st.Status == StatusRefining {
		return st, pberrors.New(pberrors.ErrCodeValidation, "run %s is refining without a plan", st.RunID)
	}
	o.opts.Logger.Info("resuming run", "run", st.RunID, "status", st.Status, "iterations", len(st.Iterations))
	return st, o.Execute(ctx, st)
}

// LoadReferences loads the reference set of each mode from root. The set for
// a mode lives in root/<mode>; diagrams also accept an index directly in
// root. A mode without an index gets an empty set.
func LoadReferences(root string) (map[agents.Mode]*reference.Set, error) {
	sets := make(map[agents.Mode]*reference.Set, 2)
	for _, mode := range []agents.Mode{agents.ModeDiagram, agents.ModePlot} {
		set, err := reference.Load(filepath.Join(root, string(mode)))
		if errors.Is(err, reference.ErrNoIndex) && mode == agents.ModeDiagram {
			set, err = reference.Load(root)
		}
		switch {
		case errors.Is(err, reference.ErrNoIndex):
			set = reference.Empty()
		case err != nil:
			return nil, err
		}
		sets[mode] = set
	}
	return sets, nil
}
