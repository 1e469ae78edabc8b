package video

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"server/internal/domain"
)

func testRequest() GenerateRequest {
	return GenerateRequest{
		Model:       domain.ModelKling21Pro,
		Prompt:      "sunset over the harbour",
		Duration:    5,
		AspectRatio: "9:16",
		ImageURL:    "data:image/png;base64,aGVsbG8=",
		CFGScale:    0.8,
	}
}

func newClientForTest(t *testing.T, handler http.Handler) *KlingClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewKlingClient(KlingOptions{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		HTTPClient:   srv.Client(),
		PollInterval: 5 * time.Millisecond,
	})
}

func TestGenerateHappyPath(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fal-ai/kling-video/v2.1/pro/image-to-video", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Key test-key" {
			t.Errorf("authorization header = %q", got)
		}
		var body klingSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if body.Duration != "5" || body.AspectRatio != "9:16" {
			t.Errorf("unexpected submit payload: %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
	})
	mux.HandleFunc("GET /fal-ai/kling-video/v2.1/pro/image-to-video/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"status": "IN_QUEUE", "queue_position": 3})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{
				"status": "IN_PROGRESS",
				"logs":   []map[string]string{{"message": "rendering frames"}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
		}
	})
	mux.HandleFunc("GET /fal-ai/kling-video/v2.1/pro/image-to-video/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"video":    map[string]string{"url": "https://cdn.example.com/req-1.mp4", "content_type": "video/mp4"},
			"duration": 5,
		})
	})

	client := newClientForTest(t, mux)
	var events []string
	var percents []int
	result, err := client.Generate(context.Background(), testRequest(), func(p int, msg string) {
		percents = append(percents, p)
		events = append(events, msg)
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if result.VideoURL != "https://cdn.example.com/req-1.mp4" {
		t.Fatalf("result url = %s", result.VideoURL)
	}
	if result.Seconds != 5 || result.Format != "video/mp4" {
		t.Fatalf("result = %+v", result)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress regressed: %v", percents)
		}
	}
	found := false
	for _, msg := range events {
		if msg == "rendering frames" {
			found = true
		}
	}
	if !found {
		t.Fatalf("provider log not forwarded: %v", events)
	}
}

func TestGenerateClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		contains  string
	}{
		{"validation", http.StatusUnprocessableEntity, `{"detail":"image_url is invalid"}`, false, "image_url is invalid"},
		{"quota", http.StatusTooManyRequests, `{"detail":"rate limited"}`, true, "rate limited"},
		{"outage", http.StatusServiceUnavailable, `upstream unavailable`, true, "upstream unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			_, err := client.Generate(context.Background(), testRequest(), nil)
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", pe.StatusCode, tc.status)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("IsRetryable = %v, want %v", IsRetryable(err), tc.retryable)
			}
			if tc.contains != "" && pe.Message != tc.contains {
				t.Fatalf("message = %q, want %q", pe.Message, tc.contains)
			}
		})
	}
}

func TestGenerateHonorsDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "IN_PROGRESS"})
	})
	client := newClientForTest(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, testRequest(), nil)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !IsRetryable(err) {
		t.Fatalf("deadline expiry must be retryable, got %v", err)
	}
}

func TestGenerateMissingKey(t *testing.T) {
	client := NewKlingClient(KlingOptions{})
	_, err := client.Generate(context.Background(), testRequest(), nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Retryable() {
		t.Fatalf("expected permanent provider error, got %v", err)
	}
}
