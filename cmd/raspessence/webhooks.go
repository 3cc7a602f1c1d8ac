package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// HTTP server
// ============================================================================
// Serves the remote power-off trigger plus the metrics and state WebSocket
// endpoints:
//
//   GET /off       bearer-authenticated power-off
//   GET /metrics   Prometheus
//   GET /ws/state  state WebSocket
// ============================================================================

const bearerPrefix = "Bearer "

// PowerOffer runs the power-off sequence and returns once it has completed.
type PowerOffer interface {
	PowerOff(ctx context.Context) error
}

type httpRoutes struct {
	power   PowerOffer
	secret  []byte
	metrics *Metrics
	state   http.Handler // nil disables /ws/state
	logger  *slog.Logger
}

// newHTTPHandler builds the server's routes. Method mismatches get 405 from
// the mux.
func newHTTPHandler(r httpRoutes) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /off", r.handleOff)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics.Handler())
	}
	if r.state != nil {
		mux.Handle("GET /ws/state", r.state)
	}
	return mux
}

func (r httpRoutes) handleOff(w http.ResponseWriter, req *http.Request) {
	logger := r.logger.With("request_id", uuid.NewString(), "remote", req.RemoteAddr)

	if !r.authorized(req.Header.Get("Authorization")) {
		logger.Warn("rejected power-off request")
		r.metrics.PowerOffRequest("unauthorized")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	logger.Info("power-off requested")
	if err := r.power.PowerOff(req.Context()); err != nil {
		logger.Error("power-off failed", "error", err)
		r.metrics.PowerOffRequest("error")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	r.metrics.PowerOffRequest("ok")
	w.WriteHeader(http.StatusOK)
}

// authorized checks an Authorization header against the secret. The secret
// comparison takes constant time for equal-length inputs.
func (r httpRoutes) authorized(header string) bool {
	if len(r.secret) == 0 {
		return false
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), r.secret) == 1
}

// runWebhooksServer serves handler on addr and shuts it down gracefully when
// ctx is canceled.
func runWebhooksServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("http server listening", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
