package handlers

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/kyegomez/KosmosX-API/internal/gateway/credentials"
	"github.com/kyegomez/KosmosX-API/internal/gateway/metrics"
	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
)

const maxAccountBody = 4 << 10

type AccountHandler struct {
	store   *credentials.Store
	metrics *metrics.Metrics
}

func NewAccountHandler(store *credentials.Store, m *metrics.Metrics) *AccountHandler {
	return &AccountHandler{store: store, metrics: m}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// HandleRegister handles POST /register
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	key, err := h.store.Register(r.Context(), creds.Username, creds.Password)
	h.observe("register", err)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, apiKeyResponse{APIKey: key})
}

// HandleRotate handles POST /rotate_api_key
func (h *AccountHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	key, err := h.store.RotateKey(r.Context(), creds.Username, creds.Password)
	h.observe("rotate", err)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiKeyResponse{APIKey: key})
}

// HandleDelete handles POST /delete_account
func (h *AccountHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	err = h.store.Delete(r.Context(), creds.Username, creds.Password)
	h.observe("delete", err)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{Detail: "Account deleted"})
}

func (h *AccountHandler) observe(event string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	h.metrics.ObserveAccount(event, result)
}

// readCredentials accepts a JSON body, a form body, or query parameters
func readCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAccountBody)

	var creds credentialsRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			return creds, apperr.Validation("invalid request body")
		}
		return creds, nil
	}

	if err := r.ParseForm(); err != nil {
		return creds, apperr.Validation("invalid form body")
	}
	creds.Username = r.Form.Get("username")
	creds.Password = r.Form.Get("password")
	return creds, nil
}
