// Package reference loads curated reference sets: (text, image) pairs used as
// few-shot examples by the retriever and planner.
//
// A reference set is a directory holding an index document and the images it
// points to:
//
//	reference_sets/
//	├── index.json      (or index.yaml / index.yml)
//	└── images/
//	    ├── ref_001.png
//	    └── ref_002.png
//
// The index lists examples:
//
//	{
//	  "name": "neurips-methods",
//	  "description": "Method overview figures",
//	  "examples": [
//	    {"id": "ref_001", "source_context": "...", "caption": "...",
//	     "image_path": "images/ref_001.png", "category": "architecture"}
//	  ]
//	}
//
// Relative image paths are resolved against the set directory. A missing
// required field on any example fails the whole load with a validation error.
// Loaded sets are immutable and safe to share between concurrent runs.
package reference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
)

// IndexNames lists accepted index file names in lookup order.
var IndexNames = []string{"index.json", "index.yaml", "index.yml"}

// ErrNoIndex is returned by [Load] when dir contains no index document.
var ErrNoIndex = errors.New("no reference index found")

// Example is one curated reference (text, image) pair.
type Example struct {
	ID            string `json:"id" yaml:"id"`
	SourceContext string `json:"source_context" yaml:"source_context"`
	Caption       string `json:"caption" yaml:"caption"`
	ImagePath     string `json:"image_path" yaml:"image_path"`
	Category      string `json:"category,omitempty" yaml:"category,omitempty"`
}

// HasImage reports whether the example's image file exists.
func (e Example) HasImage() bool {
	if e.ImagePath == "" {
		return false
	}
	info, err := os.Stat(e.ImagePath)
	return err == nil && !info.IsDir()
}

// Image reads the example's image file.
func (e Example) Image() ([]byte, error) {
	if e.ImagePath == "" {
		return nil, fmt.Errorf("example %s has no image", e.ID)
	}
	return os.ReadFile(e.ImagePath)
}

// Set is an ordered, read-only collection of examples.
type Set struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Dir         string    `json:"-" yaml:"-"`
	Examples    []Example `json:"examples" yaml:"examples"`
}

// Len returns the number of examples; a nil set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Examples)
}

// IDs returns example ids in set order.
func (s *Set) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.Examples))
	for i, ex := range s.Examples {
		ids[i] = ex.ID
	}
	return ids
}

// Lookup returns the example with the given id.
func (s *Set) Lookup(id string) (Example, bool) {
	if s == nil {
		return Example{}, false
	}
	for _, ex := range s.Examples {
		if ex.ID == id {
			return ex, true
		}
	}
	return Example{}, false
}

// Empty returns a set with no examples.
func Empty() *Set { return &Set{} }

// Load reads the index document in dir. It returns an error wrapping
// [ErrNoIndex] when no index exists, and a validation error for malformed
// documents or examples missing required fields.
func Load(dir string) (*Set, error) {
	path, err := findIndex(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pberrors.Wrap(pberrors.ErrCodeValidation, err, "read reference index")
	}

	var set Set
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &set)
	default:
		err = json.Unmarshal(data, &set)
	}
	if err != nil {
		return nil, pberrors.Wrap(pberrors.ErrCodeValidation, err, "parse reference index %s", path)
	}

	set.Dir = dir
	if err := set.normalize(); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadOptional is [Load] that treats a missing directory or index as an empty
// set. Used for the default reference location.
func LoadOptional(dir string) (*Set, error) {
	set, err := Load(dir)
	if errors.Is(err, ErrNoIndex) {
		return Empty(), nil
	}
	return set, err
}

func findIndex(dir string) (string, error) {
	for _, name := range IndexNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", pberrors.Wrap(pberrors.ErrCodeValidation, err, "stat %s", path)
		}
	}
	return "", pberrors.Wrap(pberrors.ErrCodeNotFound, ErrNoIndex, "reference set %s", dir)
}

func (s *Set) normalize() error {
	seen := make(map[string]int, len(s.Examples))
	for i := range s.Examples {
		ex := &s.Examples[i]
		var missing []string
		if strings.TrimSpace(ex.ID) == "" {
			missing = append(missing, "id")
		}
		if strings.TrimSpace(ex.SourceContext) == "" {
			missing = append(missing, "source_context")
		}
		if strings.TrimSpace(ex.Caption) == "" {
			missing = append(missing, "caption")
		}
		if strings.TrimSpace(ex.ImagePath) == "" {
			missing = append(missing, "image_path")
		}
		if len(missing) > 0 {
			return pberrors.Validation("reference example %d (%s): missing required fields: %s",
				i+1, ex.ID, strings.Join(missing, ", "))
		}
		if prev, dup := seen[ex.ID]; dup {
			return pberrors.Validation("reference example %d: duplicate id %q (first at %d)", i+1, ex.ID, prev+1)
		}
		seen[ex.ID] = i
		if !filepath.IsAbs(ex.ImagePath) {
			ex.ImagePath = filepath.Join(s.Dir, ex.ImagePath)
		}
	}
	return nil
}
