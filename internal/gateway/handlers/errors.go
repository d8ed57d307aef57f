package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind   apperr.Kind `json:"kind"`
	Detail string      `json:"detail"`
}

// writeError maps err onto its status and the JSON error envelope
func writeError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	status := e.Status()

	detail := e.Detail
	if e.Kind == apperr.KindInternal {
		log.Error().Err(err).Msg("Internal error")
		detail = "internal server error"
	}
	if e.Kind == apperr.KindRateLimited {
		w.Header().Set("Retry-After", retryAfterSeconds(e.RetryAfter))
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Kind: e.Kind, Detail: detail}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
