package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jse-datasphere/standardize-cli/internal/fiscal"
	"github.com/jse-datasphere/standardize-cli/internal/model"
	"github.com/jse-datasphere/standardize-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit review API",
	Long:  "Serves read-only endpoints over the audit trail, run statistics, and quarter-ordering anomalies so reviewers can tune the vocabulary between runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newReviewRouter(st),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting review server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newReviewRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/audits", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.AuditFilter{
			RunID:  q.Get("run_id"),
			Symbol: q.Get("symbol"),
			Status: model.AuditStatus(q.Get("status")),
			Limit:  intQuery(q.Get("limit"), 100),
			Offset: intQuery(q.Get("offset"), 0),
		}
		audits, err := st.ListAudits(req.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		if audits == nil {
			audits = []model.AuditRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
	})

	r.Get("/runs/{runID}/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := st.RunStats(req.Context(), chi.URLParam(req, "runID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/fiscal/anomalies", func(w http.ResponseWriter, req *http.Request) {
		symbol := req.URL.Query().Get("symbol")
		if symbol == "" {
			http.Error(w, `{"error":"symbol is required"}`, http.StatusBadRequest)
			return
		}
		observations, err := st.ListQuarterObservations(req.Context(), symbol)
		if err != nil {
			writeError(w, err)
			return
		}
		anomalies := fiscal.ValidateQuarters(observations)
		if anomalies == nil {
			anomalies = []model.QuarterAnomaly{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
