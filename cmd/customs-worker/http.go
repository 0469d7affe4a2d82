package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/bootstrap"
	"github.com/BearBump/CustomsBox/internal/services/retrier"
	"github.com/go-chi/chi/v5"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	retrier *retrier.Retrier
	core    *bootstrap.Core
	cfg     *config.Config
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func workerRoutes(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()
	if opts.core != nil {
		r.Use(opts.core.Metrics.Instrument(func(r *http.Request) string {
			return chi.RouteContext(r.Context()).RoutePattern()
		}))
		r.Method(http.MethodGet, "/metrics", opts.core.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.core == nil || opts.core.Storage == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not wired"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.core.Storage.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.retrier == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retrier not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.retrier.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
			return
		}
		c := opts.cfg.CustomsBox
		writeJSON(w, http.StatusOK, map[string]any{
			"poll_interval_seconds":   c.WorkerPollIntervalSeconds,
			"batch_size":              c.WorkerBatchSize,
			"concurrency":             c.WorkerConcurrency,
			"lease_seconds":           c.WorkerLeaseSeconds,
			"rate_limit_per_minute":   c.WorkerRateLimitPerMinute,
			"country_rate_limits":     c.WorkerCountryRateLimits,
			"transaction_expiry_secs": c.TransactionExpirySeconds,
			"backoff_seconds":         []int{c.WorkerBackoff1Seconds, c.WorkerBackoff2Seconds, c.WorkerBackoff3Seconds, c.WorkerBackoff4Seconds},
			"backoff_jitter":          c.WorkerBackoffJitter,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.retrier == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retrier not wired"})
			return
		}
		opts.retrier.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
	})
	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRoutes(opts), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
