package models

import "time"

// Category is a billable usage bucket
type Category string

const (
	CategoryTextTokens      Category = "text_tokens"
	CategoryImagesProcessed Category = "images_processed"
)

// Account represents a registered caller
type Account struct {
	ID              string
	Identity        string
	SecretHash      string
	APIKeyHash      string
	KeyPrefix       string
	TextTokens      int64
	ImagesProcessed int64
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Usage returns the account counters keyed by category
func (a *Account) Usage() map[Category]int64 {
	return map[Category]int64{
		CategoryTextTokens:      a.TextTokens,
		CategoryImagesProcessed: a.ImagesProcessed,
	}
}

// GenerationOptions are forwarded verbatim to the model runner
type GenerationOptions struct {
	DescriptionType     string   `json:"description_type,omitempty"`
	EnableSampling      *bool    `json:"enable_sampling,omitempty"`
	SamplingTopP        *float64 `json:"sampling_topp,omitempty"`
	SamplingTemperature *float64 `json:"sampling_temperature,omitempty"`
}

// Payload is either a text prompt or a set of image references, never both
type Payload struct {
	Text    string            `json:"text,omitempty"`
	Images  []string          `json:"images,omitempty"`
	Options GenerationOptions `json:"options"`
}

// IsImage reports whether the payload is the image variant
func (p Payload) IsImage() bool {
	return len(p.Images) > 0
}

// Category returns the billing category for the payload
func (p Payload) Category() Category {
	if p.IsImage() {
		return CategoryImagesProcessed
	}
	return CategoryTextTokens
}

// InferenceRequest is a single call submitted by an authenticated account
type InferenceRequest struct {
	ID             string
	Identity       string
	Payload        Payload
	IdempotencyKey string
	EstimatedCost  int64
	ActualCost     int64
	ReceivedAt     time.Time
}

// BoundingBox is a normalized [x1, y1, x2, y2] region
type BoundingBox [4]float64

// Detection is a grounded phrase returned by the model
type Detection struct {
	Phrase string        `json:"phrase"`
	Boxes  []BoundingBox `json:"boxes"`
}

// TokenUsage is token accounting reported by the runner, when it has one
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is what the model runner returns for one generate call
type GenerationResult struct {
	Text       string      `json:"text"`
	Detections []Detection `json:"detections,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}
