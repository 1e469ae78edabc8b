package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"server/internal/domain"
	"server/internal/infra"
)

// KlingOptions controls how the fal queue client is configured.
type KlingOptions struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration
	Logger       *infra.Logger
}

// KlingClient speaks the fal queue API: submit returns a request id, status
// is polled until the render finishes, then the result is fetched once.
type KlingClient struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	pollInterval time.Duration
	logger       *infra.Logger
}

// NewKlingClient builds a client for the fal queue endpoints.
func NewKlingClient(opts KlingOptions) *KlingClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://queue.fal.run"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &KlingClient{
		httpClient:   client,
		baseURL:      base,
		token:        strings.TrimSpace(opts.APIKey),
		pollInterval: interval,
		logger:       opts.Logger,
	}
}

type klingSubmitRequest struct {
	Prompt         string  `json:"prompt"`
	ImageURL       string  `json:"image_url"`
	Duration       string  `json:"duration"`
	AspectRatio    string  `json:"aspect_ratio"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	TailImageURL   string  `json:"tail_image_url,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
}

type klingSubmitResponse struct {
	RequestID string `json:"request_id"`
}

type klingStatusResponse struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

type klingResultResponse struct {
	Video struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"video"`
	Duration json.Number `json:"duration"`
}

// Generate submits the request and blocks until the provider resolves it,
// forwarding queue updates through onProgress. The context deadline is the
// hard budget for the whole call.
func (c *KlingClient) Generate(ctx context.Context, req GenerateRequest, onProgress ProgressFunc) (*domain.Result, error) {
	if c.token == "" {
		return nil, &ProviderError{StatusCode: http.StatusUnauthorized, Message: "fal API key is missing"}
	}
	spec, err := req.Model.Spec()
	if err != nil {
		return nil, &ProviderError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	if onProgress == nil {
		onProgress = func(int, string) {}
	}

	requestID, err := c.submit(ctx, spec.Endpoint, req)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug().Str("request_id", requestID).Str("endpoint", spec.Endpoint).Msg("fal: request submitted")
	}
	onProgress(5, "submitted to provider")

	if err := c.awaitCompletion(ctx, spec.Endpoint, requestID, onProgress); err != nil {
		return nil, err
	}
	onProgress(95, "fetching result")
	return c.fetchResult(ctx, spec.Endpoint, requestID)
}

func (c *KlingClient) submit(ctx context.Context, endpoint string, req GenerateRequest) (string, error) {
	payload := klingSubmitRequest{
		Prompt:         req.Prompt,
		ImageURL:       req.ImageURL,
		Duration:       strconv.Itoa(req.Duration),
		AspectRatio:    req.AspectRatio,
		NegativePrompt: req.NegativePrompt,
		TailImageURL:   req.TailImageURL,
		CFGScale:       req.CFGScale,
	}
	var resp klingSubmitResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+endpoint, payload, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", &ProviderError{StatusCode: http.StatusBadGateway, Message: "provider returned no request id"}
	}
	return resp.RequestID, nil
}

func (c *KlingClient) awaitCompletion(ctx context.Context, endpoint, requestID string, onProgress ProgressFunc) error {
	statusURL := fmt.Sprintf("%s/%s/requests/%s/status?logs=1", c.baseURL, endpoint, requestID)
	percent := 5
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		var status klingStatusResponse
		if err := c.do(ctx, http.MethodGet, statusURL, nil, &status); err != nil {
			return err
		}
		message := lastLogMessage(status.Logs)
		switch status.Status {
		case "IN_QUEUE":
			if message == "" {
				message = fmt.Sprintf("queued at provider (position %d)", status.QueuePosition)
			}
			onProgress(10, message)
		case "IN_PROGRESS":
			// The queue API exposes no numeric percentage; advance a
			// bounded ramp so subscribers see movement between logs.
			if percent < 90 {
				percent += 5
			}
			if message == "" {
				message = "rendering"
			}
			onProgress(percent, message)
		case "COMPLETED":
			return nil
		default:
			return &ProviderError{StatusCode: http.StatusBadGateway, Message: "unexpected status " + status.Status}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *KlingClient) fetchResult(ctx context.Context, endpoint, requestID string) (*domain.Result, error) {
	resultURL := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, endpoint, requestID)
	var result klingResultResponse
	if err := c.do(ctx, http.MethodGet, resultURL, nil, &result); err != nil {
		return nil, err
	}
	if result.Video.URL == "" {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: "provider returned no video url"}
	}
	format := result.Video.ContentType
	if format == "" {
		format = "video/mp4"
	}
	seconds := 0
	if f, err := result.Duration.Float64(); err == nil {
		seconds = int(f)
	}
	return &domain.Result{VideoURL: result.Video.URL, Format: format, Seconds: seconds}, nil
}

func (c *KlingClient) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Key "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{StatusCode: http.StatusBadGateway, Message: "undecodable provider response"}
	}
	return nil
}

// providerMessage extracts a human-readable detail from an error body
// without echoing the raw payload to callers.
func providerMessage(raw []byte) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" && len(msg) <= 200 && !strings.ContainsAny(msg, "<>") {
		return msg
	}
	return "request rejected"
}

func lastLogMessage(logs []struct {
	Message string `json:"message"`
}) string {
	if len(logs) == 0 {
		return ""
	}
	return strings.TrimSpace(logs[len(logs)-1].Message)
}

var _ Generator = (*KlingClient)(nil)
