package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labsign/internal/lifecycle"
	"github.com/maneesh/labsign/internal/pdfform"
	"github.com/maneesh/labsign/internal/signing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the service router: the document API plus /health.
func NewRouter(docs *DocumentHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	docs.Register(router)
	return router
}

// statusFor maps an error from the lifecycle layer to an HTTP status. Order
// matters: an out-of-range field page is both a validation and an
// annotation failure and must surface as a client error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrMissingInput), errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrNotAvailable),
		errors.Is(err, signing.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, pdfform.ErrAnnotation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signing.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeLifecycleError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		trace.SpanFromContext(ctx).RecordError(err)
		logrus.WithContext(ctx).WithError(err).WithField("status", code).Error("Request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
