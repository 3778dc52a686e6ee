package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/maas/backend/pkg/auth"
	"github.com/vyvo/maas/backend/pkg/catalog"
	"github.com/vyvo/maas/backend/pkg/maasapi"
	"github.com/vyvo/maas/backend/pkg/query"
	"github.com/vyvo/maas/backend/pkg/resolver"
)

const maxBodyBytes = 1 << 20

// Response headers set when a partial resolution skipped branches.
const (
	headerWarningCount = "X-Maas-Warnings"
	headerWarning      = "X-Maas-Warning"
)

type server struct {
	resolver   *resolver.Resolver
	dispatcher *query.Dispatcher
	partial    bool
	logger     *slog.Logger
}

type serverOptions struct {
	concurrency int
	partial     bool
}

func newServer(gw catalog.Gateway, opts serverOptions, logger *slog.Logger) *server {
	return &server{
		resolver:   resolver.New(gw, resolver.WithConcurrency(opts.concurrency), resolver.WithLogger(logger)),
		dispatcher: query.NewDispatcher(gw, query.WithLogger(logger)),
		partial:    opts.partial,
		logger:     logger,
	}
}

func (s *server) routes(timeout time.Duration, apiKeys []string) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(timeoutMiddleware(timeout))

	router.Get("/healthz", healthzHandler)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(apiKeys))
		r.Post("/list_models", s.handleListModels)
		r.Get("/model_info/{ModelName}", s.handleModelInfo)
		r.Get("/model_config/{ModelName}", s.handleModelConfig)
		r.Post("/model_parameters/{ModelName}", s.handleModelParameters)
		r.Post("/model_io", s.handleModelIO)
		r.Post("/search", s.handleSearch)
	})

	return router
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.resolver.Models(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maasapi.AssembleModels(models))
}

func (s *server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	model, err := s.resolver.Model(r.Context(), chi.URLParam(r, "ModelName"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maasapi.AssembleModel(model))
}

func (s *server) handleModelConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "ModelName")
	configs, err := s.resolver.Configurations(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maasapi.AssembleConfigurations(name, configs))
}

func (s *server) handleModelParameters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "ModelName")
	if !s.partial {
		params, err := s.resolver.Parameters(r.Context(), name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, maasapi.AssembleParameters(params))
		return
	}

	res, err := s.resolver.ParametersPartial(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reportWarnings(w, r, name, res.Warnings)
	writeJSON(w, http.StatusOK, maasapi.AssembleParameters(res.Items))
}

func (s *server) handleModelIO(w http.ResponseWriter, r *http.Request) {
	var req maasapi.IORequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, maasapi.ErrorResponse{Message: "name is required"})
		return
	}

	if !s.partial {
		files, err := s.resolver.IO(r.Context(), req.Name, req.IOType)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, maasapi.AssembleIO(files))
		return
	}

	res, err := s.resolver.IOPartial(r.Context(), req.Name, req.IOType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reportWarnings(w, r, req.Name, res.Warnings)
	writeJSON(w, http.StatusOK, maasapi.AssembleIO(res.Items))
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, maasapi.ErrorResponse{Message: fmt.Sprintf("read body: %v", err)})
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maasapi.AssembleSearch(res))
}

func (s *server) reportWarnings(w http.ResponseWriter, r *http.Request, model string, warnings []resolver.Warning) {
	if len(warnings) == 0 {
		return
	}
	w.Header().Set(headerWarningCount, strconv.Itoa(len(warnings)))
	for _, warn := range warnings {
		w.Header().Add(headerWarning, warn.Entity+" "+warn.ID)
		s.logger.WarnContext(r.Context(), "skipped catalog branch",
			"model", model,
			"entity", warn.Entity,
			"id", warn.ID,
			"error", warn.Message,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return badRequestError{fmt.Errorf("decode request body: %w", err)}
	}
	return nil
}

func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, query.ErrMalformedQuery),
		errors.Is(err, query.ErrUnsupportedQueryType),
		errors.Is(err, resolver.ErrUnsupportedIOType):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, catalog.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeJSON(w, status, maasapi.ErrorResponse{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
