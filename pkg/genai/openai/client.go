// Package openai implements genai.Service on an OpenAI-compatible API using
// the official openai-go SDK.
//
// Relevance scoring, text generation and plot-code generation use chat
// completions with the text model; critique uses the vision model with the
// image attached as a data URL; diagram synthesis uses the images endpoint.
// Requests are paced by a client-side token bucket so a burst of retries does
// not exceed the configured requests per minute.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/config"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

// Sampling settings per capability.
const (
	scoreTemperature    = 0.3
	codeTemperature     = 0.3
	critiqueTemperature = 0.3
	maxTokens           = 4096
)

// Client is a genai.Service backed by openai-go.
type Client struct {
	api     openai.Client
	models  config.Models
	limiter *rate.Limiter
	logger  *log.Logger
}

var _ genai.Service = (*Client)(nil)

// New creates a client from cfg. The SDK's own retries are disabled; the
// pipeline's retry wrapper owns retry policy.
func New(cfg config.Config, logger *log.Logger, opts ...option.RequestOption) *Client {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	base := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.Service.APIKey != "" {
		base = append(base, option.WithAPIKey(cfg.Service.APIKey))
	}
	if cfg.Service.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.Service.BaseURL))
	}

	limit := rate.Inf
	if rpm := cfg.Service.RequestsPerMinute; rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}

	return &Client{
		api:     openai.NewClient(append(base, opts...)...),
		models:  cfg.Models,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Score asks the text model to rank candidates and converts the ranking into
// scores. An unparseable ranking scores every candidate 0.
func (c *Client) Score(ctx context.Context, req genai.ScoreRequest) ([]float64, error) {
	text, err := c.chat(ctx, c.models.Text, req.Prompt, nil, scoreTemperature, maxTokens, true)
	if err != nil {
		return nil, err
	}
	ids, ok := genai.ParseSelectedIDs(text)
	if !ok {
		c.logger.Warn("unparseable retrieval response", "chars", len(text))
	}
	return genai.ScoresFromRanking(req.Candidates, ids), nil
}

// GenerateText runs a chat completion with the text model.
func (c *Client) GenerateText(ctx context.Context, req genai.TextRequest) (string, error) {
	return c.chat(ctx, c.models.Text, req.Prompt, req.Images, req.Temperature, orDefault(req.MaxTokens, maxTokens), req.JSON)
}

// GenerateVisual synthesizes an image or asks for plotting code.
func (c *Client) GenerateVisual(ctx context.Context, req genai.VisualRequest) (genai.Visual, error) {
	switch req.Kind {
	case genai.VisualCode:
		code, err := c.chat(ctx, c.models.Text, req.Prompt, nil, codeTemperature, maxTokens, false)
		if err != nil {
			return genai.Visual{}, err
		}
		return genai.Visual{Code: code}, nil
	case genai.VisualImage, "":
		img, err := c.image(ctx, req)
		if err != nil {
			return genai.Visual{}, err
		}
		return genai.Visual{Image: img}, nil
	default:
		return genai.Visual{}, fmt.Errorf("unknown visual kind %q", req.Kind)
	}
}

// Critique sends the image to the vision model and parses its review.
func (c *Client) Critique(ctx context.Context, req genai.CritiqueRequest) (genai.Critique, error) {
	text, err := c.chat(ctx, c.models.Vision, req.Prompt, [][]byte{req.Image}, critiqueTemperature, maxTokens, true)
	if err != nil {
		return genai.Critique{}, err
	}
	crit, ok := genai.ParseCritique(text)
	if !ok {
		return genai.Critique{Malformed: true}, nil
	}
	return crit, nil
}

func (c *Client) chat(ctx context.Context, model, prompt string, images [][]byte, temperature float64, tokens int, jsonMode bool) (string, error) {
	if err := c.pace(ctx); err != nil {
		return "", err
	}

	var msg openai.ChatCompletionMessageParamUnion
	if len(images) == 0 {
		msg = openai.UserMessage(prompt)
	} else {
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(images)+1)
		for _, img := range images {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURL(img),
			}))
		}
		parts = append(parts, openai.TextContentPart(prompt))
		msg = openai.UserMessage(parts)
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            []openai.ChatCompletionMessageParamUnion{msg},
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(int64(tokens)),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", retry.Transient(errors.New("openai: empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) image(ctx context.Context, req genai.VisualRequest) ([]byte, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(c.models.Image),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(imageSize(c.models.Image, req.Width, req.Height)),
	}
	if strings.HasPrefix(c.models.Image, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := c.api.Images.Generate(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, retry.Transient(errors.New("openai: no image in response"))
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// pace waits for the client-side rate limiter. A wait that would outlast the
// call deadline is transient; cancellation by the caller is not.
func (c *Client) pace(ctx context.Context) error {
	err := c.limiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return retry.Transient(fmt.Errorf("rate limit: %w", err))
}

// imageSize maps a requested size onto one the model supports, keeping
// the orientation.
func imageSize(model string, w, h int) string {
	dalle3 := strings.HasPrefix(model, "dall-e-3")
	switch {
	case w > h && dalle3:
		return "1792x1024"
	case w > h:
		return "1536x1024"
	case h > w && dalle3:
		return "1024x1792"
	case h > w:
		return "1024x1536"
	default:
		return "1024x1024"
	}
}

func dataURL(img []byte) string {
	return "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// classify marks rate limits, timeouts and server errors as transient.
// Invalid requests, authentication failures and exhausted quota are permanent.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if quotaExhausted(apiErr) {
			return err
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusConflict,
			apiErr.StatusCode >= 500:
			return retry.Transient(err)
		default:
			return err
		}
	}
	// timeouts, connection resets and truncated bodies
	return retry.Transient(err)
}

func quotaExhausted(e *openai.Error) bool {
	const code = "insufficient_quota"
	return e.Code == code || e.Type == code || strings.Contains(e.RawJSON(), code)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
