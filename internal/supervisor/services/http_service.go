package services

import (
	"context"
	"fmt"
	"time"
)

// HTTPServer is satisfied by *server.Hertz.
type HTTPServer interface {
	Run() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs a server built by newServer. A fresh server is built
// on every Serve because a hertz engine cannot be restarted after Shutdown.
type HTTPServerService struct {
	newServer       func() HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPServerService(newServer func() HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		newServer:       newServer,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	srv := h.newServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return fmt.Errorf("http server stopped unexpectedly")

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}
