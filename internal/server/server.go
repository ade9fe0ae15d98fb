package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"towerward/internal/handle/message"
	"towerward/internal/logger"
	"towerward/internal/session"
	"towerward/internal/transport"
)

// Config selects the listeners and per-connection options.
type Config struct {
	TCPAddr string
	// WSAddr enables the WebSocket listener on /ws when non-empty.
	WSAddr        string
	MaxFrameBytes int
	Conn          Options
}

// Server accepts connections and runs a Handler for each of them.
type Server struct {
	cfg      Config
	sessions *session.Manager
	router   *message.Router
	upgrader websocket.Upgrader

	handlers sync.WaitGroup
}

func New(cfg Config, sessions *session.Manager, router *message.Router) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Serve listens on the configured addresses until ctx is cancelled, then waits for every
// connection handler to finish.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return err
	}
	g.Go(func() error { return s.ServeTCP(ctx, ln) })

	if s.cfg.WSAddr != "" {
		g.Go(func() error { return s.serveWS(ctx) })
	}

	err = g.Wait()
	s.handlers.Wait()
	return err
}

// ServeTCP runs the accept loop on ln until ctx is cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	logger.L.Info("tcp server listening", zap.String("addr", ln.Addr().String()))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				logger.L.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		s.spawn(ctx, transport.NewTCPConn(conn, s.cfg.MaxFrameBytes))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) spawn(ctx context.Context, conn transport.Conn) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.runHandler(ctx, conn)
	}()
}

func (s *Server) runHandler(ctx context.Context, conn transport.Conn) {
	h := NewHandler(conn, s.sessions, s.router, s.cfg.Conn)
	if err := h.Run(ctx); err != nil {
		logger.L.Debug("connection ended", zap.String("conn_id", h.Client().ID), zap.Error(err))
	}
}

// WSHandler upgrades /ws requests and serves the connection on the request goroutine.
func (s *Server) WSHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handlers.Add(1)
		defer s.handlers.Done()

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.L.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.runHandler(ctx, transport.NewWSConn(ws, s.cfg.MaxFrameBytes))
	})
	return mux
}

func (s *Server) serveWS(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.WSAddr,
		Handler:           s.WSHandler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("websocket server listening", zap.String("addr", s.cfg.WSAddr))
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
