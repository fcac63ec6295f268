package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/lunabot/pkg/generation"
	"github.com/go-go-golems/lunabot/pkg/redisstream"
	"github.com/go-go-golems/lunabot/pkg/relay"
	"github.com/go-go-golems/lunabot/pkg/session"
)

type Config struct {
	Addr      string
	Generator generation.Generator
	Window    session.Window
	// Sink receives every appended turn, e.g. the SQLite turn log.
	Sink           session.TurnSink
	SharedSession  bool
	AllowedOrigins []string
	StaticDir      string
	Redis          redisstream.Settings
	EvictIdle      time.Duration
	EvictInterval  time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
	// HandleSignals makes Run stop on SIGINT/SIGTERM.
	HandleSignals bool
}

// Server wires the session store, relay, event bus and websocket hub
// behind one http.Server.
type Server struct {
	baseCtx    context.Context
	baseCancel context.CancelFunc
	cfg        Config

	store   *session.Store
	bus     *redisstream.Bus
	relay   *relay.Relay
	hub     *StreamHub
	handler http.Handler
	httpSrv *http.Server

	closeOnce sync.Once
	closeErr  error
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator is nil")
	}
	baseCtx, baseCancel := context.WithCancel(ctx)

	s := &Server{baseCtx: baseCtx, baseCancel: baseCancel, cfg: cfg}
	pinned := []string{}
	if cfg.SharedSession {
		pinned = append(pinned, session.SharedID)
	}
	s.store = session.NewStore(session.StoreOptions{
		Sink:   cfg.Sink,
		Pinned: pinned,
	})
	s.store.SetEvictionConfig(cfg.EvictIdle, cfg.EvictInterval)

	bus, err := redisstream.BuildBus(cfg.Redis)
	if err != nil {
		baseCancel()
		return nil, err
	}
	s.bus = bus

	r, err := relay.New(relay.Options{
		BaseCtx:   baseCtx,
		Store:     s.store,
		Generator: cfg.Generator,
		Emitter:   relay.NewPublisherEmitter(bus.Publisher()),
		Window:    cfg.Window,
	})
	if err != nil {
		_ = bus.Close()
		baseCancel()
		return nil, err
	}
	s.relay = r

	hub, err := NewStreamHub(StreamHubConfig{
		BaseCtx:       baseCtx,
		Store:         s.store,
		Bus:           bus,
		Relay:         r,
		SharedSession: cfg.SharedSession,
		SendBuffer:    cfg.SendBuffer,
		WriteTimeout:  cfg.WriteTimeout,
	})
	if err != nil {
		_ = bus.Close()
		baseCancel()
		return nil, err
	}
	s.hub = hub

	s.handler = s.buildMux()
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) buildMux() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: CheckOriginFunc(s.cfg.AllowedOrigins)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHTTPHandler(s.hub, upgrader))
	mux.HandleFunc("GET /healthz", healthzHandler)
	mux.HandleFunc("GET /api/sessions/{id}/turns", NewTranscriptHandler(s.store))
	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	return mux
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Store() *session.Store { return s.store }

func (s *Server) StreamHub() *StreamHub { return s.hub }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled (or a signal arrives when
// HandleSignals is set), then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.store.StartEvictionLoop(srvCtx)

	eg := errgroup.Group{}
	eg.Go(func() error {
		if s.cfg.HandleSignals {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			select {
			case <-sigChan:
				log.Info().Msg("received interrupt signal, shutting down gracefully...")
			case <-srvCtx.Done():
			}
		} else {
			<-srvCtx.Done()
		}
		srvCancel()
		return s.shutdown(ctx)
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting lunabot server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	var first error
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
		first = err
	}
	if err := s.Close(); err != nil && first == nil {
		first = err
	}
	log.Info().Msg("server shutdown complete")
	return first
}

// Close cancels in-flight generations, waits for the relay and the
// websocket read loops, and closes the bus.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.baseCancel()
		s.relay.Close()
		s.hub.Close()
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("bus close error")
			s.closeErr = err
		}
	})
	return s.closeErr
}
