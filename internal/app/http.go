package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nostrelay/pkg/api"
	"nostrelay/pkg/logger"
)

// startHTTP builds the handler, starts the HTTP server, and wires graceful
// shutdown to ctx. The returned channel carries any fatal server error.
func (a *App) startHTTP(ctx context.Context) <-chan error {
	info := api.DefaultInfo(a.version)
	info.Limitation = api.Limitation{
		MaxMessageLength: a.cfg.Limits.MaxMessageSize,
		MaxSubscriptions: a.cfg.Limits.MaxSubsPerConn,
		MaxFilters:       a.cfg.Limits.MaxFiltersPerReq,
		MaxLimit:         a.cfg.Limits.ReplayLimit,
		MaxSubIDLength:   a.cfg.Limits.MaxSubIDLen,
		MaxEventTags:     1000,
	}
	handler := api.Handler(a.relay, a.store, info, api.WSOptions{
		MaxMessageSize: int64(a.cfg.Limits.MaxMessageSize),
	})

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http_shutdown_failed", zap.Error(err))
		}
	}()
	return errCh
}
