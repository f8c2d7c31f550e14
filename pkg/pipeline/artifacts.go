package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
)

// Artifact file names inside a run directory.
const (
	FileRequest    = "request.json"
	FileState      = "state.json"
	FilePlanning   = "planning.json"
	FileFinal      = "final_output.png"
	FileReportMD   = "report.md"
	FileReportHTML = "report.html"
)

// IterationImage is the image file name for pass n.
func IterationImage(n int) string { return fmt.Sprintf("iter_%d.png", n) }

// IterationDetails is the details file name for pass n.
func IterationDetails(n int) string { return fmt.Sprintf("iter_%d_details.json", n) }

// NewRunID returns an id of the form run_<YYYYMMDD_HHMMSS>_<6 hex>.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "run_" + now.Format("20060102_150405") + "_" + suffix
}

// RunDir is a run's artifact directory. Every write is atomic: readers see
// either the previous file or the complete new one.
type RunDir struct {
	path string
}

// CreateRunDir creates root/id. It fails if the directory already exists.
func CreateRunDir(root, id string) (*RunDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(root, id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &RunDir{path: abs}, nil
}

// OpenRunDir opens an existing run directory. A directory without a
// request artifact is NOT_FOUND.
func OpenRunDir(path string) (*RunDir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, err := os.Stat(filepath.Join(abs, FileRequest)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pberrors.New(pberrors.ErrCodeNotFound, "%s is not a run directory", path)
		}
		return nil, fmt.Errorf("open run dir: %w", err)
	}
	return &RunDir{path: abs}, nil
}

// Path returns the directory path.
func (d *RunDir) Path() string { return d.path }

// File returns the path of name inside the directory.
func (d *RunDir) File(name string) string { return filepath.Join(d.path, name) }

// Exists reports whether name exists in the directory.
func (d *RunDir) Exists(name string) bool {
	_, err := os.Stat(d.File(name))
	return err == nil
}

// WriteFile atomically replaces name with data.
func (d *RunDir) WriteFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), d.File(name)); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON.
func (d *RunDir) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return d.WriteFile(name, append(data, '\n'))
}

// ReadFile reads name from the directory.
func (d *RunDir) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.File(name))
}

// ReadJSON decodes name into v.
func (d *RunDir) ReadJSON(name string, v any) error {
	data, err := d.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return pberrors.Wrap(pberrors.ErrCodeValidation, err, "parse %s", name)
	}
	return nil
}
