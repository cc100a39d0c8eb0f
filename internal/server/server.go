// Package server exposes the extraction pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	logpkg "github.com/menta2k/image-semantics/internal/logger"
	"github.com/menta2k/image-semantics/internal/metrics"
	"github.com/menta2k/image-semantics/pkg/extraction"
	"github.com/menta2k/image-semantics/pkg/processing"
	"github.com/menta2k/image-semantics/pkg/store"
	"github.com/menta2k/image-semantics/pkg/types"
	"github.com/menta2k/image-semantics/pkg/upload"
)

// MaxImageBytes caps the size of an uploaded image
const MaxImageBytes = 32 << 20

// Pipeline annotates posts
type Pipeline interface {
	Process(ctx context.Context, post *types.Post) (types.Annotation, error)
}

// PostStore persists post records
type PostStore interface {
	Save(ctx context.Context, p types.StoredPost) error
	Get(ctx context.Context, id string) (types.StoredPost, error)
	List(ctx context.Context, limit int) ([]types.StoredPost, error)
	SetStatus(ctx context.Context, id string, status types.PostStatus) error
}

// Server handles the HTTP API
type Server struct {
	pipeline  Pipeline
	posts     PostStore
	processor *processing.Processor
	logger    *zap.Logger
}

// New creates an HTTP API server
func New(pipeline Pipeline, posts PostStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline:  pipeline,
		posts:     posts,
		processor: processing.NewProcessor(),
		logger:    logger,
	}
}

// Router returns the chi router with middleware and routes mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", s.extract)
		r.Get("/posts", s.listPosts)
		r.Get("/posts/{id}", s.getPost)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type extractResponse struct {
	types.Annotation
	Status   types.PostStatus `json:"status"`
	Degraded bool             `json:"degraded"`
}

// extract handles POST /v1/extract. The image is either the multipart field
// "image" or the raw request body. Optional "id" and "text" come from the
// form or the query string.
func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	log := logpkg.FromContext(r.Context())

	data, err := readImage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	img, err := s.processor.DecodeImage(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_image", "image could not be decoded")
		return
	}

	id := r.FormValue("id")
	if id == "" {
		id = uuid.NewString()
	}
	post := types.NewPost(id, r.FormValue("text"), img)

	if err := s.posts.Save(r.Context(), post.Snapshot()); err != nil {
		log.Error("failed to save post", zap.String("post_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if err := s.posts.SetStatus(r.Context(), id, types.StatusProcessing); err != nil {
		log.Error("failed to mark post processing", zap.String("post_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	a, err := s.pipeline.Process(r.Context(), post)
	switch {
	case errors.Is(err, extraction.ErrNoImage):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case errors.Is(err, upload.ErrUploadFailure):
		writeError(w, http.StatusBadGateway, "upload_failed", upload.ErrUploadFailure.Error())
		return
	case err != nil:
		log.Error("extraction failed", zap.String("post_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, extractResponse{
		Annotation: a,
		Status:     post.Status(),
		Degraded:   a.Degraded,
	})
}

// getPost handles GET /v1/posts/{id}
func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.posts.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "post not found")
		return
	}
	if err != nil {
		logpkg.FromContext(r.Context()).Error("failed to load post", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// listPosts handles GET /v1/posts?limit=N
func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	posts, err := s.posts.List(r.Context(), limit)
	if err != nil {
		logpkg.FromContext(r.Context()).Error("failed to list posts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if posts == nil {
		posts = []types.StoredPost{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": posts})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readImage(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxImageBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxImageBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image field: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger puts a per-request logger in the context and emits one line per request.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
