// Package server exposes the router over gRPC on a unix socket. Each
// accepted socket is one connection: it gets an identity during the
// handshake and loses every port it registered when it closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	msgportv1 "github.com/sambigeara/msgport/api/msgport/v1"
	"github.com/sambigeara/msgport/pkg/observability/telemetry"
	"github.com/sambigeara/msgport/pkg/peercred"
	"github.com/sambigeara/msgport/pkg/perm"
	"github.com/sambigeara/msgport/pkg/router"
	"github.com/sambigeara/msgport/pkg/trust"
)

const (
	DefaultQueueSize             = 64
	DefaultMaxPortsPerConnection = 256

	socketPerm    = 0o600
	shutdownGrace = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("another daemon is already serving this socket")

func init() {
	encoding.RegisterCodec(msgportv1.Codec{})
}

type Config struct {
	SocketPath            string
	CompareTimeout        time.Duration
	QueueSize             int
	MaxPortsPerConnection int
}

type Option func(*Server)

func WithResolver(r peercred.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

func WithComparator(c trust.Comparator) Option {
	return func(s *Server) { s.comparator = c }
}

// StatsSource supplies the metrics reported by GetStats.
type StatsSource interface {
	Snapshot(ctx context.Context) ([]telemetry.Metric, error)
}

func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

type Server struct {
	resolver   peercred.Resolver
	comparator trust.Comparator
	stats      StatsSource
	router     *router.Router
	log        *zap.SugaredLogger
	grpc       *grpc.Server
	quit       chan struct{}
	cfg        Config
	conns      atomic.Int64
	quitOnce   sync.Once
}

func New(r *router.Router, cfg Config, opts ...Option) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxPortsPerConnection <= 0 {
		cfg.MaxPortsPerConnection = DefaultMaxPortsPerConnection
	}

	s := &Server{
		cfg:    cfg,
		router: r,
		log:    zap.S().Named("server"),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = peercred.NewResolver()
	}

	s.grpc = grpc.NewServer(
		grpc.Creds(&connCredentials{srv: s}),
		grpc.ChainUnaryInterceptor(unaryErrorInterceptor(s.log)),
		grpc.ChainStreamInterceptor(streamErrorInterceptor(s.log)),
	)
	msgportv1.RegisterPortServiceServer(s.grpc, &service{srv: s})
	return s
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int { return int(s.conns.Load()) }

// Start listens on the configured socket and serves until ctx is done. A
// leftover socket file nobody answers on is replaced.
func (s *Server) Start(ctx context.Context) error {
	path := s.cfg.SocketPath
	if path == "" {
		return errors.New("no socket path configured")
	}

	if _, err := os.Stat(path); err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		dialer := &net.Dialer{Timeout: time.Second}
		conn, dialErr := dialer.DialContext(dialCtx, "unix", path)
		if dialErr == nil {
			_ = conn.Close()
			return fmt.Errorf("%s: %w", path, ErrAlreadyRunning)
		}
		s.log.Debugw("removing stale socket", "path", path)
		_ = os.Remove(path)
	}

	if dir := filepath.Dir(path); !exists(dir) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
		if err := perm.SetGroupDir(dir); err != nil {
			s.log.Warnw("socket dir stays owner only", "dir", dir, "err", err)
		}
	}

	l, err := (&net.ListenConfig{}).Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer os.Remove(path)

	if err := os.Chmod(path, socketPerm); err != nil {
		_ = l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if err := perm.SetGroupSocket(path); err != nil {
		s.log.Warnw("socket stays owner only", "path", path, "err", err)
	}

	s.log.Infow("listening", "socket", path)
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.grpc.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})
	return g.Wait()
}

// Stop ends every Listen stream and shuts the gRPC server down, forcibly
// once the grace period has passed.
func (s *Server) Stop() {
	s.quitOnce.Do(func() {
		close(s.quit)

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			s.log.Warnw("graceful stop timed out, closing connections")
			s.grpc.Stop()
		}
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
