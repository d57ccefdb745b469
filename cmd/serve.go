package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/monitoring"
	"github.com/sells-group/listing-reconciler/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API over the canonical store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(rateLimit(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Route("/api", func(r chi.Router) {
			r.Get("/entities", handleListEntities(st))
			r.Get("/entities/{id}", handleGetEntity(st))
			r.Get("/entities/{id}/events", handleEntityEvents(st))
			r.Get("/events", handleListEvents(st))
			r.Get("/batches", handleListBatches(st))
			r.Get("/metrics", handleMetrics(st))
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// rateLimit applies a shared token bucket to every request.
func rateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(limit, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleListEntities(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.EntityFilter{
			Limit:  queryInt(r, "limit", 100),
			Offset: queryInt(r, "offset", 0),
		}
		switch r.URL.Query().Get("active") {
		case "true":
			v := true
			filter.Active = &v
		case "false":
			v := false
			filter.Active = &v
		}
		if since := r.URL.Query().Get("modified_after"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, "modified_after must be RFC3339")
				return
			}
			filter.ModifiedAfter = ts
		}

		entities, err := st.ListEntities(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list entities failed")
			zap.L().Error("list entities", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
	}
}

func handleGetEntity(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity, err := st.GetEntity(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get entity failed")
			zap.L().Error("get entity", zap.Error(err))
			return
		}
		if entity == nil {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		writeJSON(w, http.StatusOK, entity)
	}
}

func handleEntityEvents(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := st.ListEvents(r.Context(), store.EventFilter{
			EntityID: chi.URLParam(r, "id"),
			Limit:    queryInt(r, "limit", 500),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list events failed")
			zap.L().Error("list entity events", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleListEvents(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := st.ListEvents(r.Context(), store.EventFilter{
			BatchID: r.URL.Query().Get("batch_id"),
			Action:  model.Action(r.URL.Query().Get("action")),
			Limit:   queryInt(r, "limit", 100),
			Offset:  queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list events failed")
			zap.L().Error("list events", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleListBatches(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := st.ListBatches(r.Context(), store.BatchFilter{
			Limit:  queryInt(r, "limit", 100),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list batches failed")
			zap.L().Error("list batches", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
	}
}

func handleMetrics(st store.Store) http.HandlerFunc {
	collector := monitoring.NewCollector(st)
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context(), queryInt(r, "lookback", 24))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "collect metrics failed")
			zap.L().Error("collect metrics", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
