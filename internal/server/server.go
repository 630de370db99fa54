// Package server implements the Prattle chat server over TLS.
//
// Concurrency overview
// --------------------
//
//  ┌─────────────────────────────────────────────────────────┐
//  │  Accept goroutine                                        │
//  │  Accepts TLS connections; spawns a session goroutine     │
//  │  (plus its line reader) for each one.                    │
//  └───────────────────┬─────────────────────────────────────┘
//                      │  one session per connection
//                      ▼
//  ┌─────────────────────────────────────────────────────────┐
//  │  Session goroutines                                      │
//  │  Each multiplexes client input, bus deliveries, and the  │
//  │  shutdown signal in one select loop.                     │
//  └───────┬──────────────────────┬──────────────────────────┘
//          │ publish / subscribe  │ reserve / release
//          ▼                      ▼
//  ┌──────────────────┐   ┌──────────────────────────────────┐
//  │  bus (sync.Mutex)│   │  registry (sync.Mutex)           │
//  │  Fans events out │   │  Owns the set of usernames.      │
//  │  to per-session  │   └──────────────────────────────────┘
//  │  ring buffers.   │
//  └──────────────────┘
//
//  ┌─────────────────────────────────────────────────────────┐
//  │  coordinator                                             │
//  │  Tracks live sessions; broadcasts the shutdown signal    │
//  │  and waits for the drain.                                │
//  └─────────────────────────────────────────────────────────┘
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noahkawaguchi/prattle/internal/certs"
	"github.com/noahkawaguchi/prattle/internal/transport"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// DefaultAddr is where the server listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8000"

// Config carries the server knobs.  The zero value is usable; withDefaults
// fills in anything left unset.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string
	// CertDir is the directory holding (or receiving) the TLS key pair.
	CertDir string

	// BusCapacity is the per-session event buffer size.
	BusCapacity int
	// JoinAttempts caps failed username submissions per connection.
	JoinAttempts int

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long a session waits, after its goodbye, for
	// the client to hang up.
	DrainTimeout time.Duration
	// ShutdownTimeout bounds the whole drain; stragglers past it are cut
	// off.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.CertDir == "" {
		c.CertDir = "certs"
	}
	if c.BusCapacity <= 0 {
		c.BusCapacity = defaultBusCapacity
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = transport.DefaultWriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 4 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server ties together the listener, the registry, the bus, and the
// shutdown coordinator.
type Server struct {
	cfg Config

	reg *registry
	bus *bus
	co  *coordinator

	mu       sync.Mutex
	listener net.Listener

	connID atomic.Uint64 // monotonically increasing connection counter
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		reg: newRegistry(),
		bus: newBus(cfg.BusCapacity),
		co:  newCoordinator(),
	}
}

// Listen loads or generates the TLS key pair and opens the listener.
func (s *Server) Listen() error {
	cert, err := certs.LoadOrGenerate(s.cfg.CertDir)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ln, err := tls.Listen("tcp", s.cfg.Addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Printf("[server] listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, for callers that listened on an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed by Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Closed by Shutdown.
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// serveConn wraps conn in a session and runs it to completion.
func (s *Server) serveConn(conn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connID.Add(1))
	sess := newSession(id, transport.New(conn, s.cfg.WriteTimeout), s)

	if !s.co.add(sess) {
		// Shutdown won the race with the accept loop.
		conn.Close()
		return
	}
	log.Printf("[session] %s: accepted from %s", id, conn.RemoteAddr())
	sess.run()
}

// Shutdown stops accepting, tells every session to say goodbye, and waits
// for the drain.  Sessions still around at the deadline have their
// connections cut.  It blocks until the server is quiet.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	live := s.co.live()
	s.co.initiate()
	log.Printf("[server] shutting down, draining %d session(s)", live)

	if !s.co.awaitDrained(s.cfg.ShutdownTimeout) {
		log.Printf("[server] drain deadline passed, cutting off: %v", s.co.stragglers())
		s.co.forceClose()
		// Cut sessions check out almost immediately once their reads fail.
		s.co.awaitDrained(time.Second)
	}
	log.Printf("[server] shutdown complete")
}
