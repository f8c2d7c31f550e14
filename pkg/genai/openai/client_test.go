package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/config"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/genai/genaitest"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Service.APIKey = "sk-test"
	cfg.Service.BaseURL = srv.URL
	cfg.Service.RequestsPerMinute = 0
	return New(cfg, nil)
}

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func TestScoreParsesRanking(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatResponse(`{"selected_ids": ["b", "a"]}`))
	})

	scores, err := c.Score(context.Background(), genai.ScoreRequest{
		Prompt:     "rank these",
		Candidates: []genai.Candidate{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 3 || scores[1] <= scores[0] || scores[2] != 0 {
		t.Errorf("scores = %v, want b > a > c=0", scores)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
}

func TestCritiqueMalformedIsAccept(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatResponse("Looks fine to me."))
	})
	crit, err := c.Critique(context.Background(), genai.CritiqueRequest{Prompt: "review", Image: genaitest.PNG(2, 2)})
	if err != nil {
		t.Fatalf("Critique: %v", err)
	}
	if !crit.Malformed || !crit.Accepted() {
		t.Errorf("critique = %+v, want malformed acceptance", crit)
	}
}

func TestCritiqueSendsImage(t *testing.T) {
	var sawImage bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		sawImage = strings.Contains(string(data), "data:image/png;base64,")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatResponse(`{"critic_suggestions": ["bigger font"], "revised_description": null}`))
	})
	crit, err := c.Critique(context.Background(), genai.CritiqueRequest{Prompt: "review", Image: genaitest.PNG(2, 2)})
	if err != nil {
		t.Fatalf("Critique: %v", err)
	}
	if !sawImage {
		t.Error("request should carry the image as a data URL")
	}
	if crit.Accepted() || crit.Suggestions[0] != "bigger font" {
		t.Errorf("critique = %+v", crit)
	}
}

func TestGenerateVisualImage(t *testing.T) {
	png := genaitest.PNG(3, 2)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})
	v, err := c.GenerateVisual(context.Background(), genai.VisualRequest{Kind: genai.VisualImage, Prompt: "draw", Width: 1792, Height: 1024})
	if err != nil {
		t.Fatalf("GenerateVisual: %v", err)
	}
	if string(v.Image) != string(png) {
		t.Error("image bytes should round-trip from b64_json")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, true},
		{"server error", http.StatusBadGateway, `{"error":{"message":"bad gateway"}}`, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","code":"invalid_api_key"}}`, false},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid"}}`, false},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"no quota","type":"insufficient_quota","code":"insufficient_quota"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.GenerateText(context.Background(), genai.TextRequest{Op: "plan", Prompt: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", retry.IsTransient(err), tt.transient, err)
			}
			if hits.Load() != 1 {
				t.Errorf("SDK should not retry on its own: %d requests", hits.Load())
			}
		})
	}
}

func TestClassifyNonAPIErrorIsTransient(t *testing.T) {
	err := classify(context.Background(), errors.New("connection reset by peer"))
	if !retry.IsTransient(err) {
		t.Error("transport errors should be transient")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if retry.IsTransient(classify(ctx, context.Canceled)) {
		t.Error("caller cancellation should not be retried")
	}
}

func TestPaceClassification(t *testing.T) {
	newPaced := func() *Client {
		cfg := config.Default()
		cfg.Service.APIKey = "sk-test"
		cfg.Service.RequestsPerMinute = 1
		c := New(cfg, nil)
		if err := c.pace(context.Background()); err != nil {
			t.Fatalf("first request should use the burst: %v", err)
		}
		return c
	}

	t.Run("wait past the call deadline is transient", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := newPaced().pace(ctx)
		if err == nil || !retry.IsTransient(err) {
			t.Errorf("err = %v, want transient", err)
		}
	})

	t.Run("caller cancellation is not transient", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := newPaced().pace(ctx)
		if err == nil || retry.IsTransient(err) {
			t.Errorf("err = %v, want non-transient", err)
		}
	})
}

func TestImageSize(t *testing.T) {
	tests := []struct {
		model string
		w, h  int
		want  string
	}{
		{"gpt-image-1", 1792, 1024, "1536x1024"},
		{"dall-e-3", 1792, 1024, "1792x1024"},
		{"gpt-image-1", 1024, 1792, "1024x1536"},
		{"dall-e-3", 1024, 1792, "1024x1792"},
		{"gpt-image-1", 512, 512, "1024x1024"},
	}
	for _, tt := range tests {
		if got := imageSize(tt.model, tt.w, tt.h); got != tt.want {
			t.Errorf("imageSize(%s, %d, %d) = %s, want %s", tt.model, tt.w, tt.h, got, tt.want)
		}
	}
}
