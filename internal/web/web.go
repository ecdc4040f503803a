// Package web exposes contracts and the renewal calendar over HTTP.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/pipeline"
	"github.com/local/renewalcal/internal/statuscheck"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
)

// Ingester is the part of the pipeline the handlers drive.
type Ingester interface {
	IngestBatch(ctx context.Context, uploads []pipeline.Upload) <-chan pipeline.Outcome
	SubmitBatch(ctx context.Context, uploads []pipeline.Upload) <-chan pipeline.Outcome
	Run(ctx context.Context, id string) (*contract.Record, error)
	Text(ctx context.Context, rec *contract.Record) (string, error)
}

// CalendarMailer sends an ICS file to recipients.
type CalendarMailer interface {
	SendCalendar(ctx context.Context, to []string, ics []byte) error
}

type Dependencies struct {
	Pipeline  Ingester
	Store     store.Store
	Documents storage.Documents
	// Mailer may be nil; /calendar/email then answers 503.
	Mailer  CalendarMailer
	Health  *statuscheck.Checker
	Metrics http.Handler
}

type Options struct {
	// Async queues uploads for the workers instead of extracting in the request.
	Async               bool
	CalendarName        string
	DefaultReminderDays int
	MaxUploadBytes      int64
	// AllowedOrigin is sent as Access-Control-Allow-Origin on the PDF endpoint.
	AllowedOrigin string
}

type Server struct {
	deps Dependencies
	opts Options
	now  func() time.Time
}

func New(deps Dependencies, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Server{deps: deps, opts: opts, now: time.Now}
}

// Router builds the chi router with every route registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/contracts", s.handleUpload)
	r.Get("/contracts", s.handleList)
	r.Delete("/contracts", s.handleDeleteAll)
	r.Get("/contracts.xlsx", s.handleExport)
	r.Route("/contracts/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handleUpdate)
		r.Delete("/", s.handleDelete)
		r.Post("/reprocess", s.handleReprocess)
		r.Get("/pdf", s.handlePDF)
		r.Head("/pdf", s.handlePDF)
		r.Get("/ocr_text", s.handleText)
	})
	r.Get("/calendar", s.handleCalendar)
	r.Get("/calendar.ics", s.handleICS)
	r.Post("/calendar/email", s.handleEmail)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
		return
	}
	sum := s.deps.Health.Summary(r.Context())
	code := http.StatusOK
	if !sum.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

// requestLogger logs one line per request through the global zerolog logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		ev := log.Info()
		if ww.Status() >= 500 {
			ev = log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal"
	default:
		return "http_error"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: errorCode(status), Message: msg}})
}

// writeInternal logs err and hides it from the client.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
