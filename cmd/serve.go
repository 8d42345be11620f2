package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sommelier/internal/model"
)

const defaultWebhookTrigger = "menu_updated"

var servePort int

// menuTrigger starts a pipeline run for a menu.
type menuTrigger interface {
	Trigger(ctx context.Context, menuID, restaurantID, trigger string) error
}

// runReader reads pipeline runs.
type runReader interface {
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.PipelineRun, error)
}

type server struct {
	trigger menuTrigger
	runs    runReader
	// background runs fn off the request goroutine.
	background func(fn func())
}

func newServer(trig menuTrigger, runs runReader) *server {
	return &server{
		trigger:    trig,
		runs:       runs,
		background: func(fn func()) { go fn() },
	}
}

// routes builds the HTTP handler.
func (s *server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/menus/{menuID}", s.handleMenuWebhook)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
	})
	return r
}

func (s *server) handleMenuWebhook(w http.ResponseWriter, r *http.Request) {
	menuID := chi.URLParam(r, "menuID")

	var req struct {
		RestaurantID string `json:"restaurant_id"`
		Trigger      string `json:"trigger"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = defaultWebhookTrigger
	}

	ctx := context.WithoutCancel(r.Context())
	s.background(func() {
		if err := s.trigger.Trigger(ctx, menuID, req.RestaurantID, req.Trigger); err != nil {
			zap.L().Error("webhook trigger failed",
				zap.String("menu_id", menuID),
				zap.String("trigger", req.Trigger),
				zap.Error(err),
			)
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"menu_id": menuID,
		"trigger": req.Trigger,
	})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		zap.L().Error("get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.RunFilter{
		MenuID: q.Get("menu_id"),
		Status: model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and an in-process stage worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg.Queue.Backend)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Start(ctx, env.Orchestrator.Handle); err != nil {
			return eris.Wrap(err, "start queue")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newServer(env.Orchestrator, env.Store).routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.String("queue", cfg.Queue.Backend))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if interval := time.Duration(cfg.Server.RefreshIntervalMins) * time.Minute; interval > 0 {
			g.Go(func() error {
				refreshLoop(gctx, env.Enricher, interval, cfg.Enrichment.RefreshBatchSize)
				return nil
			})
		}

		return g.Wait()
	},
}

// staleRefresher re-enriches expired or never-enriched products.
type staleRefresher interface {
	RefreshStale(ctx context.Context, batchSize int) (int, error)
}

// refreshLoop runs a refresh sweep every interval until ctx is done.
func refreshLoop(ctx context.Context, r staleRefresher, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RefreshStale(ctx, batchSize)
			if err != nil {
				zap.L().Warn("scheduled refresh failed", zap.Error(err))
				continue
			}
			zap.L().Info("scheduled refresh complete", zap.Int("refreshed", n))
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
