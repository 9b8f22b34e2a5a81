package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayhub/relaychat/pkg/database"
	"github.com/relayhub/relaychat/pkg/protocol"
)

// Server supervises the TCP listener, the bounded pool of connection
// workers, and the optional metrics endpoint. One Server owns one
// Store, one Registry, and one Router; everything is torn down by Stop.
type Server struct {
	config ServerConfig
	log    zerolog.Logger

	store      *database.Store
	registry   *Registry
	router     *Router
	handshaker *Handshaker
	metrics    *Metrics

	listener   net.Listener
	metricsSrv *http.Server

	// slots is a counting semaphore bounding concurrent workers. Accept
	// blocks on a slot before handing the connection off, so a full
	// house applies backpressure at the listener instead of spawning
	// unbounded goroutines.
	slots    chan struct{}
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	startedAt time.Time
}

// NewServer opens the database and wires up the server components. The
// listener is not bound until Start.
func NewServer(cfg ServerConfig, log zerolog.Logger) (*Server, error) {
	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:     cfg,
		log:        log,
		store:      store,
		registry:   registry,
		router:     NewRouter(registry, store, metrics, log),
		handshaker: NewHandshaker(store, log),
		metrics:    metrics,
		slots:      make(chan struct{}, cfg.MaxClients),
		shutdown:   make(chan struct{}),
	}, nil
}

// Start binds the listener and begins accepting connections. A bind
// failure is the only fatal startup error; everything after it is
// handled per connection.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	var (
		ln  net.Listener
		err error
	)
	if s.config.TLSEnabled {
		cert, cerr := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if cerr != nil {
			return fmt.Errorf("loading TLS keypair: %w", cerr)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("binding listener on %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	if s.config.MetricsPort > 0 {
		s.startMetricsServer()
	}

	s.log.Info().Str("addr", ln.Addr().String()).
		Int("max_clients", s.config.MaxClients).
		Bool("tls", s.config.TLSEnabled).
		Msg("server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Valid after Start; useful
// when the configured port is 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		// Blocks when all worker slots are busy; the kernel queues
		// further connections until one frees.
		select {
		case s.slots <- struct{}{}:
		case <-s.shutdown:
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection is the per-connection worker: handshake, registry
// admission, history replay, then the read/dispatch loop. All teardown
// runs through defers so every exit path deregisters before the socket
// closes.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	sc := NewSafeConn(conn)
	remote := remoteHost(conn.RemoteAddr())

	username, err := s.handshaker.Run(sc)
	if err != nil {
		s.log.Info().Err(err).Str("remote", remote).Msg("handshake failed")
		return
	}

	sess := &Session{Username: username, RemoteAddr: remote, Conn: sc}
	if err := s.registry.Register(sess); err != nil {
		sc.SendText(fmt.Sprintf("SERVER: %s is already connected. Disconnecting.", username))
		s.log.Info().Str("username", username).Str("remote", remote).Msg("duplicate login refused")
		return
	}
	defer func() {
		// Deregister first so no router fanout can pick the session up
		// after its socket is gone, then announce the departure to
		// whoever remains.
		s.registry.Deregister(sess)
		s.router.Broadcast(fmt.Sprintf("SERVER: %s has left the chat!", username), nil)
		s.log.Info().Str("username", username).Msg("session closed")
	}()

	s.log.Info().Str("username", username).Str("remote", remote).Msg("session established")
	sess.SendText(fmt.Sprintf("Welcome, %s!", username))
	s.router.Broadcast(fmt.Sprintf("SERVER: %s has joined the chat!", username), sess)
	s.replayHistory(sess)

	s.readLoop(sess)
}

// replayHistory sends the stored history visible to the session. A
// storage failure degrades to an empty history rather than dropping
// the connection.
func (s *Server) replayHistory(sess *Session) {
	lines, err := s.store.GetHistory(sess.Username)
	if err != nil {
		s.log.Error().Err(err).Str("username", sess.Username).Msg("history load failed")
		return
	}
	for _, line := range lines {
		if err := sess.SendText(line); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(sess *Session) {
	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFileTooLarge) {
				// The decoder drained the oversized payload, so the
				// stream is still frame-aligned and the session goes on.
				s.metrics.RecordFileRelay("rejected")
				sess.SendText(fmt.Sprintf("SERVER: File '%s' rejected: exceeds the %d byte limit.",
					frame.FileName, protocol.MaxFileSize))
				continue
			}
			s.log.Debug().Err(err).Str("username", sess.Username).Msg("read ended")
			return
		}

		switch frame.Type {
		case protocol.TypeText:
			s.metrics.RecordFrameReceived("text")
			if quit := s.router.HandleText(sess, frame.Text); quit {
				return
			}
		case protocol.TypeFile:
			s.metrics.RecordFrameReceived("file")
			s.router.RelayFile(sess, frame.FileName, frame.FileData)
		}
	}
}

// Stop shuts the server down: stop accepting, notify clients, give them
// a grace period to read the notice, then force-close everything and
// wait for workers.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	s.log.Info().Msg("shutting down")
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}

	s.router.BroadcastAll("SERVER: Server is shutting down. All connections will be closed.")
	time.Sleep(s.config.ShutdownGrace)
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.WorkerWaitTimeout):
		s.log.Warn().Dur("timeout", s.config.WorkerWaitTimeout).Msg("workers still running, giving up")
	}

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.metricsSrv.Shutdown(ctx)
		cancel()
	}

	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("database close failed")
	}
	s.log.Info().Msg("shutdown complete")
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stored, err := s.store.CountMessages()
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "ok",
			"active_sessions": s.registry.Count(),
			"messages_stored": stored,
			"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		})
	})

	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	s.log.Info().Int("port", s.config.MetricsPort).Msg("metrics endpoint up")
}

// remoteHost extracts the host portion of a remote address for the
// persisted sender/recipient columns.
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
