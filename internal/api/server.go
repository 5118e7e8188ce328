package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"fillsim/internal/config"
	"fillsim/internal/runner"
)

// Server exposes the fill engine over gRPC.
type Server struct {
	addr    string
	grpc    *grpc.Server
	service *Service
	log     *slog.Logger
}

// NewServer creates a new Server listening on the configured address.
func NewServer(cfg *config.Config, r *runner.Runner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	svc := NewService(r, log)
	svc.RegisterGRPC(gs)
	return &Server{
		addr:    cfg.Server.Addr(),
		grpc:    gs,
		service: svc,
		log:     log,
	}
}

// ListenAndServe starts the gRPC listener and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully so in-flight runs complete.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("grpc server listening", "addr", lis.Addr().String())
		errc <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	case err := <-errc:
		return err
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to complete.
func (s *Server) Shutdown() {
	s.log.Info("grpc server stopping")
	s.grpc.GracefulStop()
}
