package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const defaultImagePrompt = "Describe this image in detail."

// OpenAIRunner talks to an OpenAI-compatible chat completions server hosting the model
type OpenAIRunner struct {
	client *openai.Client
	model  string
}

// NewOpenAIRunner creates a runner for an OpenAI-compatible server at baseURL
func NewOpenAIRunner(baseURL, apiKey, model string) *OpenAIRunner {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}

	return &OpenAIRunner{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Name returns the runner name
func (r *OpenAIRunner) Name() string {
	return "openai"
}

// Generate sends the payload as a single user message
func (r *OpenAIRunner) Generate(ctx context.Context, p models.Payload) (*models.GenerationResult, error) {
	req := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: []openai.ChatCompletionMessage{buildMessage(p)},
	}

	opts := p.Options
	if opts.EnableSampling == nil || *opts.EnableSampling {
		if opts.SamplingTemperature != nil {
			req.Temperature = float32(*opts.SamplingTemperature)
		}
		if opts.SamplingTopP != nil {
			req.TopP = float32(*opts.SamplingTopP)
		}
	} else {
		// greedy decoding
		req.TopP = 1e-6
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Status: http.StatusBadGateway, Message: "runner returned no choices"}
	}

	return &models.GenerationResult{
		Text: resp.Choices[0].Message.Content,
		Usage: &models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Health lists the server's models
func (r *OpenAIRunner) Health(ctx context.Context) error {
	if _, err := r.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func buildMessage(p models.Payload) openai.ChatCompletionMessage {
	if !p.IsImage() {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Text}
	}

	prompt := p.Options.DescriptionType
	if prompt == "" {
		prompt = defaultImagePrompt
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, img := range p.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// classify maps client errors onto the runner error set
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
		return &Error{Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("%w: %v", ErrUnavailable, reqErr.Err)
		}
		return &Error{Status: reqErr.HTTPStatusCode, Message: fmt.Sprint(reqErr.Err)}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
