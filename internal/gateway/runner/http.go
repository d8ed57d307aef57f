package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const maxErrorBody = 4096

// HTTPRunner speaks the runner's native JSON protocol
type HTTPRunner struct {
	baseURL    string
	apiKey     string
	model      string
	checkpoint string
	httpClient *http.Client
}

// HTTPConfig configures an HTTPRunner
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Checkpoint string
	Timeout    time.Duration
}

type generateRequest struct {
	Model      string                   `json:"model,omitempty"`
	Checkpoint string                   `json:"checkpoint,omitempty"`
	Text       string                   `json:"text,omitempty"`
	Images     []string                 `json:"images,omitempty"`
	Options    models.GenerationOptions `json:"options"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// NewHTTPRunner creates a runner client for the native protocol
func NewHTTPRunner(cfg HTTPConfig) *HTTPRunner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &HTTPRunner{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		checkpoint: cfg.Checkpoint,
		httpClient: &http.Client{
			// a little past the gate's hard timeout so the gate reports it
			Timeout: timeout + 5*time.Second,
		},
	}
}

// Name returns the runner name
func (r *HTTPRunner) Name() string {
	return "http"
}

// Generate forwards the payload to POST {base}/generate
func (r *HTTPRunner) Generate(ctx context.Context, p models.Payload) (*models.GenerationResult, error) {
	body, err := json.Marshal(generateRequest{
		Model:      r.model,
		Checkpoint: r.checkpoint,
		Text:       p.Text,
		Images:     p.Images,
		Options:    p.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	r.authorize(httpReq)

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner response: %w", err)
	}

	if httpResp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, errorMessage(respBody))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{Status: httpResp.StatusCode, Message: errorMessage(respBody)}
	}

	var result models.GenerationResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse runner response: %w", err)
	}
	return &result, nil
}

// Health calls GET {base}/health. The runner answers 503 while the checkpoint loads.
func (r *HTTPRunner) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	r.authorize(httpReq)

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, httpResp.StatusCode)
	}
	return nil
}

func (r *HTTPRunner) authorize(req *http.Request) {
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
}

func errorMessage(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
