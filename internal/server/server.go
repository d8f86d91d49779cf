// Package server implements the pexeso game server runtime: the client
// and room registries, per-connection sessions, the liveness
// supervisors and the accept loop.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pexeso/internal/config"
	"pexeso/internal/protocol"
)

// Options configures a Server. Seed and Clock exist so tests get
// deterministic boards and a steerable reaper; both default to the wall
// clock.
type Options struct {
	Addr        string
	MaxRooms    int
	MaxClients  int
	Config      config.ServerConfig
	MetricsAddr string
	Seed        int64
	Clock       func() time.Time
	FlushPause  time.Duration
	DrainPause  time.Duration
}

type Server struct {
	addr        string
	cfg         config.ServerConfig
	metricsAddr string
	flushPause  time.Duration
	drainPause  time.Duration

	listener net.Listener
	clients  *ClientRegistry
	rooms    *Rooms
	metrics  *Metrics

	// rng deals game boards; only touched under rooms.mu.
	rng *rand.Rand
	now func() time.Time

	done    chan struct{}
	closing atomic.Bool
	wg      sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.MaxRooms <= 0 || opts.MaxClients <= 0 {
		return nil, fmt.Errorf("server: max rooms and max clients must be positive (got %d, %d)",
			opts.MaxRooms, opts.MaxClients)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	flush := opts.FlushPause
	if flush == 0 {
		flush = time.Second
	}
	drain := opts.DrainPause
	if drain == 0 {
		drain = 3 * time.Second
	}

	metrics := NewMetrics()
	return &Server{
		addr:        opts.Addr,
		cfg:         opts.Config,
		metricsAddr: opts.MetricsAddr,
		flushPause:  flush,
		drainPause:  drain,
		clients:     NewClientRegistry(opts.MaxClients, opts.Config.ReconnectTimeout()),
		rooms:       NewRooms(opts.MaxRooms, metrics),
		metrics:     metrics,
		rng:         rand.New(rand.NewSource(seed)),
		now:         now,
		done:        make(chan struct{}),
	}, nil
}

// Listen binds the TCP listener and launches the liveness supervisors.
// Serve runs the accept loop.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.reaperLoop()

	if s.metricsAddr != "" {
		go func() {
			if err := s.metrics.Serve(s.metricsAddr); err != nil {
				slog.Error("metrics listener failed", "addr", s.metricsAddr, "err", err)
			}
		}()
	}

	slog.Info("server listening", "addr", ln.Addr(),
		"max_rooms", len(s.rooms.slots), "max_clients", len(s.clients.slots))
	return nil
}

// Addr returns the bound listen address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown closes the listener.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept error", "err", err)
			continue
		}
		s.acceptConn(conn)
	}
}

func (s *Server) acceptConn(conn net.Conn) {
	now := s.now()
	c := newClient(s.clients.NextID(), conn, now)

	evicted, err := s.clients.Add(c, now)
	if err != nil {
		slog.Warn("client table full, rejecting connection", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}
	if evicted != nil {
		// Add already claimed the stale record out of the registry, so
		// only its room remains to settle.
		slog.Warn("evicting expired reconnect window",
			"client_id", evicted.ID(), "nick", evicted.Nickname())
		s.rooms.mu.Lock()
		s.retireLocked(evicted)
		s.rooms.mu.Unlock()
		s.metrics.ConnectedClients.Dec()
	}
	s.metrics.ConnectedClients.Inc()

	slog.Info("connection accepted", "client_id", c.ID(), "remote", conn.RemoteAddr())
	go newSession(s, c, conn).run()
}

func (s *Server) shuttingDown() bool {
	return s.closing.Load()
}

// Shutdown stops the server in dependency order: notify clients, pause
// to flush, force-close transports, join the supervisors, let sessions
// drain, then destroy rooms and clear the registry.
func (s *Server) Shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	slog.Info("server shutting down")

	clients := s.clients.Snapshot()
	for _, c := range clients {
		if !c.isDisconnected() {
			if err := c.Send(protocol.RespServerShutdown + " Server is shutting down"); err != nil {
				slog.Debug("shutdown notice send failed", "client_id", c.ID(), "err", err)
			}
		}
	}
	time.Sleep(s.flushPause)

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range clients {
		c.closeTransport()
	}

	close(s.done)
	s.wg.Wait()

	time.Sleep(s.drainPause)

	s.rooms.Shutdown()
	s.clients.Clear()
	slog.Info("server shutdown complete")
}
