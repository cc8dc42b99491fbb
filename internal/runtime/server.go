// Package runtime wraps the plain net/http server lifecycle: listen
// address, header-size limits, and graceful shutdown. TLS termination
// is assumed to happen in front of the gateway (a load balancer or
// reverse proxy), matching the bare-HTTP deployment shape spec.md §6
// describes.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bltavares/aricanduva/internal/config"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func New(cfg config.Config, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    config.DefaultMaxHeaderBytes,
	}

	return &Server{httpServer: httpServer, logger: logger}, nil
}

func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// EnsureStorageAvailable confirms dir exists and is writable before the
// metadata store attempts to open its database file there.
func EnsureStorageAvailable(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("storage data dir is empty")
	}
	path := filepath.Clean(dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	testPath := filepath.Join(path, ".ready-check")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("storage dir not writable: %w", err)
	}
	_ = os.Remove(testPath)
	return nil
}
