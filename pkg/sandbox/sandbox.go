// Package sandbox executes generated charting code in a separate interpreter
// process and returns the image it writes.
//
// Each execution gets a private temporary directory, a wall-clock timeout
// and its own process group, so a runaway script and anything it spawned are
// killed together. Every failure (non-zero exit, timeout, missing or
// undecodable output) is returned as a RENDER error.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
)

const (
	defaultTimeout = 60 * time.Second
	stderrLimit    = 500
	outputName     = "output.png"
	scriptName     = "plot.py"
)

// Executor runs charting code and returns the encoded image it produced.
type Executor interface {
	Execute(ctx context.Context, code string) ([]byte, error)
}

// Python runs code with a Python interpreter.
type Python struct {
	// Interpreter is the executable, "python3" when empty.
	Interpreter string
	// Timeout bounds one execution, 60s when zero.
	Timeout time.Duration
	// TempDir is the parent of per-execution directories, os.TempDir() when empty.
	TempDir string
	Logger  *log.Logger
}

var _ Executor = (*Python)(nil)

// NewPython returns a Python executor.
func NewPython(interpreter string, timeout time.Duration, logger *log.Logger) *Python {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &Python{Interpreter: interpreter, Timeout: timeout, Logger: logger}
}

// Execute writes code to a script whose OUTPUT_PATH points into a fresh
// directory, runs it and returns the image bytes.
func (p *Python) Execute(ctx context.Context, code string) ([]byte, error) {
	interpreter := p.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}

	dir, err := os.MkdirTemp(p.TempDir, "paperbanana-plot-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	outPath := filepath.Join(dir, outputName)
	scriptPath := filepath.Join(dir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(PrepareScript(code, outPath)), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpreter, scriptPath)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	logger.Debug("plot code executed", "duration", time.Since(start).Round(time.Millisecond), "err", runErr)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, pberrors.Render(runCtx.Err(), "plot code timed out after %s", timeout)
	}
	if runErr != nil {
		return nil, pberrors.Render(runErr, "plot code failed: %s", tail(stderr.String(), stderrLimit))
	}

	img, err := os.ReadFile(outPath)
	if err != nil {
		return nil, pberrors.Render(err, "plot code wrote no image")
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(img)); err != nil {
		return nil, pberrors.Render(err, "plot output is not a decodable image")
	}
	return img, nil
}

var outputPathAssign = regexp.MustCompile(`(?m)^OUTPUT_PATH[ \t]*=[ \t]*["'].*["'][ \t]*$`)

// PrepareScript removes top-level OUTPUT_PATH assignments from code and
// prepends one pointing at outPath.
func PrepareScript(code, outPath string) string {
	code = outputPathAssign.ReplaceAllString(code, "")
	return "OUTPUT_PATH = " + strconv.Quote(outPath) + "\n" + code + "\n"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
