package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully with a 5s drain.
func Serve(ctx context.Context, addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
