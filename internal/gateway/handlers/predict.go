package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/kyegomez/KosmosX-API/internal/gateway/inference"
	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

const (
	apiKeyHeader      = "x-api-key"
	idempotencyHeader = "Idempotency-Key"
	maxPredictBody    = 32 << 20
	maxMultipartMem   = 8 << 20
)

type PredictHandler struct {
	gateway *inference.Gateway
}

func NewPredictHandler(gateway *inference.Gateway) *PredictHandler {
	return &PredictHandler{gateway: gateway}
}

// predictRequest is the JSON body of POST /predict. Generation options may be given at
// the top level or under "options".
type predictRequest struct {
	Text    string                    `json:"text"`
	Images  []string                  `json:"images"`
	Options *models.GenerationOptions `json:"options"`
	models.GenerationOptions
}

// HandlePredict handles POST /predict and POST /completion
func (h *PredictHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPredictBody)

	payload, err := decodePayload(r)
	if err != nil {
		// a bad key is reported before a bad body
		if _, authErr := h.gateway.Authorize(r.Context(), r.Header.Get(apiKeyHeader)); authErr != nil {
			err = authErr
		}
		writeError(w, err)
		return
	}

	out, err := h.gateway.Predict(r.Context(), r.Header.Get(apiKeyHeader), &models.InferenceRequest{
		Payload:        payload,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})

	w.Header().Set("X-Request-ID", out.RequestID)
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(out.LatencyMs, 10))
	if out.RateLimit.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(out.RateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(out.RateLimit.Remaining))
	}
	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func decodePayload(r *http.Request) (models.Payload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		return decodeMultipart(r)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return models.Payload{}, apperr.Validation("invalid form body")
		}
		return formPayload(r.Form.Get, nil)
	default:
		return decodeJSON(r)
	}
}

func decodeJSON(r *http.Request) (models.Payload, error) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Payload{}, apperr.Validation("request body too large")
		}
		return models.Payload{}, apperr.Validation("invalid request body")
	}

	opts := req.GenerationOptions
	if req.Options != nil {
		opts = *req.Options
	}
	return models.Payload{Text: req.Text, Images: req.Images, Options: opts}, nil
}

func decodeMultipart(r *http.Request) (models.Payload, error) {
	if err := r.ParseMultipartForm(maxMultipartMem); err != nil {
		return models.Payload{}, apperr.Validation("invalid multipart body")
	}
	defer r.MultipartForm.RemoveAll()

	var images []string
	for _, field := range []string{"image", "images"} {
		for _, fh := range r.MultipartForm.File[field] {
			uri, err := dataURI(fh)
			if err != nil {
				return models.Payload{}, err
			}
			images = append(images, uri)
		}
	}

	return formPayload(r.FormValue, images)
}

func formPayload(get func(string) string, images []string) (models.Payload, error) {
	p := models.Payload{
		Text:   get("text"),
		Images: images,
		Options: models.GenerationOptions{
			DescriptionType: get("description_type"),
		},
	}

	if v := get("enable_sampling"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, apperr.Validation("enable_sampling must be a boolean")
		}
		p.Options.EnableSampling = &b
	}
	for name, dst := range map[string]**float64{
		"sampling_topp":        &p.Options.SamplingTopP,
		"sampling_temperature": &p.Options.SamplingTemperature,
	} {
		if v := get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return p, apperr.Validation(name + " must be a number")
			}
			*dst = &f
		}
	}
	return p, nil
}

// dataURI inlines an uploaded image so the payload stays JSON
func dataURI(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", apperr.Validation("unreadable image upload")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", apperr.Validation("unreadable image upload")
	}
	if len(data) == 0 {
		return "", apperr.Validation("image upload is empty")
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", apperr.Validation(fmt.Sprintf("%s is not an image", fh.Filename))
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
