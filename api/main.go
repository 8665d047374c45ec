package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/DeafMist/sigma-rag/internal/app"
	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/rag"
)

const maxBodyBytes = 1 << 20

func main() {
	_ = godotenv.Load()

	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	// a server cannot prompt for keys
	if err := cfg.RequireCredentials(); err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	svc, err := app.Build(&cfg.Common, log, app.Overrides{})
	if err != nil {
		log.Error("init services", slog.Any("err", err))
		os.Exit(1)
	}

	srv := &server{log: log, cfg: cfg, index: svc.Store, bootstrap: svc.Pipeline, engine: svc.Engine}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		log.Info("api server starting",
			slog.String("addr", cfg.BindAddr),
			slog.String("collection", cfg.CollectionName),
			slog.String("backend", cfg.VectorBackend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type bootstrapper interface {
	EnsureCollection(ctx context.Context, collection string) error
}

type answerer interface {
	Answer(ctx context.Context, question string) (*models.Answer, error)
}

type server struct {
	log       *slog.Logger
	cfg       *config.API
	index     pinger
	bootstrap bootstrapper
	engine    answerer
}

type errorResponse struct {
	Error string `json:"error"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.With(middleware.Timeout(s.cfg.RequestTimeout)).
		Post("/api/analysis/sigma/query", s.handleQuery)
	return r
}

// handleHealth is a liveness check and never touches dependencies.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.index.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queryRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}

	question := req.Query
	if strings.TrimSpace(question) == "" {
		question = rag.DefaultQuestion
	}

	if err := s.bootstrap.EnsureCollection(ctx, s.cfg.CollectionName); err != nil {
		s.log.Error("collection bootstrap failed",
			slog.String("collection", s.cfg.CollectionName),
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.Any("err", err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	ans, err := s.engine.Answer(ctx, question)
	if err != nil {
		s.log.Error("answer failed",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.Any("err", err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{Query: ans.Question, Answer: ans.Answer})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
