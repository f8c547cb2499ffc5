package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voxgate/internal/config"
	"voxgate/internal/engine"
	"voxgate/internal/model"
	"voxgate/internal/transcribe"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/xid"
)

type TranscribeService interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Transcript, error)
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Transcriber    TranscribeService
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	transcriber  TranscribeService
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	apiKeyHeader     = "X-API-Key"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Transcriber == nil {
		panic("httpapi: transcriber dependency is required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		transcriber:  deps.Transcriber,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcribe", s.handleTranscribe)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
}

func (s *server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	timestamps, err := parseOptionalBool(r.FormValue("timestamps"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "timestamps must be a boolean", nil)
		return
	}

	result, err := s.transcriber.Transcribe(r.Context(), transcribe.Request{
		Audio:      file,
		Filename:   header.Filename,
		Language:   r.FormValue("language"),
		ModelSize:  r.FormValue("model"),
		Timestamps: timestamps,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTranscribeResponse(result))
}

func (s *server) readMultipartAudio(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, r.MultipartForm, err
	}
	return file, header, r.MultipartForm, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	// The multipart reader does not always wrap the MaxBytesReader error, so
	// match on its message as well.
	if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' is required", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr *engine.Error
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, transcribe.ErrUnknownModel):
		s.writeError(w, r, http.StatusBadRequest, "invalid_model", fmt.Sprintf("model must be one of %s", strings.Join(engine.ModelSizes, "|")), nil)
	case errors.Is(err, transcribe.ErrPayloadTooLarge), errors.As(err, &maxErr):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("file too large (max %d bytes)", s.cfg.MaxUploadBytes), nil)
	case errors.As(err, &engineErr):
		// Worker detail stays in the logs; the client gets a generic failure.
		s.logger.Error("transcription failed",
			"request_id", requestIDFromContext(r.Context()),
			"detail", engineErr.Detail,
		)
		s.writeError(w, r, http.StatusInternalServerError, "transcription_failed", "transcription failed", nil)
	default:
		s.logger.Error("request failed",
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "request failed", nil)
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = xid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the shared X-API-Key secret. A server without a
// configured secret fails closed: every protected request is rejected rather
// than silently allowed.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.APIKey == "" {
			s.writeError(w, r, http.StatusInternalServerError, "server_misconfigured", "server API key is not configured", nil)
			return
		}
		key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or missing X-API-Key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/metrics":
		return true
	default:
		return false
	}
}

func toTranscribeResponse(t transcribe.Transcript) model.TranscribeResponse {
	segments := make([]model.Segment, 0, len(t.Segments))
	for _, s := range t.Segments {
		segments = append(segments, model.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return model.TranscribeResponse{
		Language:    t.Language,
		DurationSec: t.DurationSec,
		Text:        t.Text,
		Segments:    segments,
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func parseOptionalBool(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}
