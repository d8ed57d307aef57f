// Package runner talks to the process hosting the multimodal model.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

var (
	// ErrUnavailable is returned when the runner cannot be reached or is still loading
	ErrUnavailable = errors.New("model runner unavailable")
	// ErrQueueTimeout is returned when the gate slot did not free up in time
	ErrQueueTimeout = errors.New("timed out waiting for the model runner")
	// ErrGenerationTimeout is returned when a dispatched call exceeds the hard timeout
	ErrGenerationTimeout = errors.New("model runner generation timed out")
)

// Runner is the interface every model backend implements
type Runner interface {
	Generate(ctx context.Context, p models.Payload) (*models.GenerationResult, error)
	Health(ctx context.Context) error
	Name() string
}

// Error is a failure reported by the runner itself
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("model runner error (status %d): %s", e.Status, e.Message)
}

// IsTimeout reports whether err is a queue or generation timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrQueueTimeout) || errors.Is(err, ErrGenerationTimeout)
}
