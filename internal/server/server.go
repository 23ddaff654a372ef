package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	cleanupInterval = time.Hour
)

// Server — HTTP-сервер состояния архиватора.
type Server struct {
	HTTPServer *http.Server
	runs       *RunRegistry
	log        *slog.Logger
	stop       context.CancelFunc
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New создает сервер состояния на адресе addr.
// Метрики отдаются из gatherer; nil означает реестр Prometheus по умолчанию.
func New(addr string, runs *RunRegistry, gatherer prometheus.Gatherer, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		runs: runs,
		log:  slog.Default().With("component", "status_server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	chiRouter := chi.NewRouter()
	chiRouter.Use(middleware.RequestID)
	chiRouter.Use(middleware.Recoverer)

	chiRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	chiRouter.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	chiRouter.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)
	})

	s.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      chiRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.runs.StartCleanupTicker(ctx, cleanupInterval)

	return s
}

type pagination struct {
	CurrentPage int `json:"current_page"`
	PageSize    int `json:"page_size"`
	TotalItems  int `json:"total_items"`
	TotalPages  int `json:"total_pages"`
}

type runsResponse struct {
	Pagination pagination `json:"pagination"`
	Data       []Run      `json:"data"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	page := positiveParam(r, "page", 1)
	pageSize := min(positiveParam(r, "page_size", defaultPageSize), maxPageSize)

	all := s.runs.List()
	// Сравнение до умножения: (page-1)*pageSize может переполниться.
	start := len(all)
	if page-1 <= len(all)/pageSize {
		start = min((page-1)*pageSize, len(all))
	}
	end := min(start+pageSize, len(all))

	writeJSON(w, http.StatusOK, runsResponse{
		Pagination: pagination{
			CurrentPage: page,
			PageSize:    pageSize,
			TotalItems:  len(all),
			TotalPages:  (len(all) + pageSize - 1) / pageSize,
		},
		Data: all[start:end],
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(chi.URLParam(r, "runID"))
	if errors.Is(err, ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// positiveParam читает целый параметр запроса; некорректные значения заменяются на def.
func positiveParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe запускает HTTP-сервер.
func (s *Server) ListenAndServe() error {
	s.log.Info("Status server listening", "address", s.HTTPServer.Addr)
	return s.HTTPServer.ListenAndServe()
}

// Shutdown корректно завершает работу HTTP-сервера.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Завершение работы HTTP-сервера")
	s.stop()
	return s.HTTPServer.Shutdown(ctx)
}
