package agents

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	// Decoders for images returned by the service.
	_ "image/gif"
	_ "image/jpeg"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/sandbox"
)

// Default diagram canvas.
const (
	DefaultWidth  = 1792
	DefaultHeight = 1024
)

// Visualizer renders a description into a PNG image.
type Visualizer struct {
	deps   Deps
	exec   sandbox.Executor
	width  int
	height int
}

// NewVisualizer creates a visualizer. exec runs generated plot code and may
// be nil when only diagrams are rendered.
func NewVisualizer(d Deps, exec sandbox.Executor, width, height int) *Visualizer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Visualizer{deps: d.withDefaults(stageVisualize), exec: exec, width: width, height: height}
}

// Render draws description. Diagrams are synthesized directly; plots are
// produced by generated code run in the sandbox. The result is always a
// decodable PNG. Plot code that fails to run yields a RENDER error.
func (v *Visualizer) Render(ctx context.Context, req Request, description string) ([]byte, error) {
	if req.Mode == ModePlot {
		return v.renderPlot(ctx, req, description)
	}
	return v.renderDiagram(ctx, req, description)
}

func (v *Visualizer) renderDiagram(ctx context.Context, req Request, description string) ([]byte, error) {
	prompt, err := renderPrompt(req.Mode, stageVisualize, promptData{Description: description})
	if err != nil {
		return nil, err
	}
	v.deps.Logger.Info("synthesizing diagram", "width", v.width, "height", v.height)
	img, _, err := retry.Do(ctx, v.deps.Image, stageVisualize, func(ctx context.Context) ([]byte, error) {
		out, err := v.deps.Service.GenerateVisual(ctx, genai.VisualRequest{
			Kind:   genai.VisualImage,
			Prompt: prompt,
			Width:  v.width,
			Height: v.height,
		})
		if err != nil {
			return nil, err
		}
		if len(out.Image) == 0 {
			return nil, emptyResponse(stageVisualize)
		}
		img, err := toPNG(out.Image)
		if err != nil {
			return nil, retry.Transient(err)
		}
		return img, nil
	})
	return img, err
}

func (v *Visualizer) renderPlot(ctx context.Context, req Request, description string) ([]byte, error) {
	if v.exec == nil {
		return nil, pberrors.Render(nil, "no code executor configured for plots")
	}
	full := description + "\n\n## Raw Data\n```json\n" + req.SourceContext() + "\n```"
	prompt, err := renderPrompt(req.Mode, stageVisualize, promptData{Description: full})
	if err != nil {
		return nil, err
	}

	code, _, err := retry.Do(ctx, v.deps.Text, stageVisualize, func(ctx context.Context) (string, error) {
		out, err := v.deps.Service.GenerateVisual(ctx, genai.VisualRequest{
			Kind:   genai.VisualCode,
			Prompt: prompt,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out.Code) == "" {
			return "", emptyResponse(stageVisualize)
		}
		return out.Code, nil
	})
	if err != nil {
		return nil, err
	}

	script := genai.ExtractCode(code)
	if strings.TrimSpace(script) == "" {
		return nil, pberrors.Render(nil, "service returned no plot code")
	}
	v.deps.Logger.Info("executing plot code", "lines", strings.Count(script, "\n")+1)
	raw, err := v.exec.Execute(ctx, script)
	if err != nil {
		if pberrors.GetCode(err) == "" {
			err = pberrors.Render(err, "plot execution failed")
		}
		return nil, err
	}
	img, err := toPNG(raw)
	if err != nil {
		return nil, pberrors.Render(err, "plot output")
	}
	return img, nil
}

// toPNG re-encodes any supported image as PNG. PNG input is validated and
// returned as is.
func toPNG(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if format == "png" {
		return data, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
