package server

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/noahkawaguchi/prattle/internal/protocol"
	"github.com/noahkawaguchi/prattle/internal/transport"
)

// session drives one client connection from the username prompt to the
// final goodbye.  A dedicated goroutine reads lines from the connection;
// the session goroutine multiplexes those lines with bus deliveries and the
// shutdown signal in a single select loop, so all writes to the connection
// happen from one goroutine.
type session struct {
	id   string
	conn *transport.Conn
	srv  *Server
	sub  *subscription

	mu     sync.RWMutex
	name   string
	joined bool
}

func newSession(id string, conn *transport.Conn, srv *Server) *session {
	return &session{id: id, conn: conn, srv: srv}
}

// setName records the username once the join succeeds.
func (s *session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.joined = true
	s.mu.Unlock()
}

// identity returns the username and whether the session ever joined.
func (s *session) identity() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name, s.joined
}

// displayName is the username for logs, or a placeholder before joining.
func (s *session) displayName() string {
	if name, joined := s.identity(); joined {
		return name
	}
	return fallbackName
}

// run owns the connection until the client is gone.  It blocks, so the
// caller starts it on its own goroutine.
func (s *session) run() {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// The reader parks in ReadLine so the session goroutine never blocks
	// on the network.  It exits on read error or when done closes; readErr
	// is buffered so the final send never sticks.
	go func() {
		for {
			line, err := s.conn.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()

	defer s.teardown()

	name, ok := s.join(lines, readErr)
	if !ok {
		return
	}
	s.chat(name, lines, readErr)
}

// join runs the username negotiation: prompt, validate, reserve.  It allows
// a limited number of failed attempts before giving up.
func (s *session) join(lines <-chan string, readErr <-chan error) (string, bool) {
	for attempt := 0; attempt < s.srv.cfg.JoinAttempts; attempt++ {
		if err := s.conn.WriteString(protocol.UsernamePrompt); err != nil {
			log.Printf("[session] %s: write prompt: %v", s.id, err)
			return "", false
		}

		select {
		case <-s.srv.co.shuttingDown():
			s.farewell(protocol.ShutdownNotice, lines, readErr)
			return "", false
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				log.Printf("[session] %s: read: %v", s.id, err)
			}
			return "", false
		case line := <-lines:
			name := strings.TrimSpace(line)
			err := s.srv.reg.reserve(name)
			if err == nil {
				return name, true
			}
			log.Printf("[session] %s: rejected username %q: %v", s.id, name, err)
			if werr := s.conn.WriteLine(rejectionLine(err)); werr != nil {
				log.Printf("[session] %s: write rejection: %v", s.id, werr)
				return "", false
			}
		}
	}

	log.Printf("[session] %s: out of username attempts, closing", s.id)
	return "", false
}

// rejectionLine picks the response for a failed reservation.
func rejectionLine(err error) string {
	switch {
	case errors.Is(err, ErrNameEmpty):
		return protocol.NameEmptyLine
	case errors.Is(err, ErrNameTaken):
		return protocol.NameTakenLine
	default:
		return protocol.NameInvalidLine
	}
}

// chat is the post-join loop.  The subscription is taken before the join is
// announced so the client sees its own arrival, like everyone else's.
func (s *session) chat(name string, lines <-chan string, readErr <-chan error) {
	s.sub = s.srv.bus.subscribe()

	if err := s.conn.WriteLine(protocol.WelcomeLine(name)); err != nil {
		log.Printf("[session] %s: write welcome: %v", s.id, err)
		s.srv.reg.release(name)
		return
	}
	s.setName(name)
	s.srv.bus.publish(protocol.Joined(name))
	log.Printf("[session] %s: %s joined", s.id, name)

	for {
		select {
		case <-s.srv.co.shuttingDown():
			s.farewell(protocol.ShutdownNotice, lines, readErr)
			return
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				log.Printf("[session] %s: read: %v", s.id, err)
			}
			return
		case line := <-lines:
			quit, err := s.handleCommand(name, line)
			if err != nil {
				log.Printf("[session] %s: write: %v", s.id, err)
				return
			}
			if quit {
				s.farewell(protocol.GoodbyeLine, lines, readErr)
				return
			}
		case <-s.sub.ready:
			if err := s.deliverPending(); err != nil {
				if !errors.Is(err, errSubClosed) {
					log.Printf("[session] %s: deliver: %v", s.id, err)
				}
				return
			}
		}
	}
}

// handleCommand reacts to one line of client input.  Commands with a local
// response write it directly; everything else becomes a bus event.
func (s *session) handleCommand(name, input string) (quit bool, err error) {
	cmd := protocol.Parse(input)
	switch cmd.Kind {
	case protocol.KindQuit:
		return true, nil
	case protocol.KindHelp:
		return false, s.conn.WriteString(protocol.HelpText)
	case protocol.KindWho:
		return false, s.conn.WriteLine(protocol.OnlineLine(s.srv.reg.list()))
	case protocol.KindAction:
		s.srv.bus.publish(protocol.Action(name, cmd.Text))
	default:
		s.srv.bus.publish(protocol.Message(name, cmd.Text))
	}
	return false, nil
}

// deliverPending writes queued bus events to the client until the queue is
// empty.  A lag is logged and reported to the client, then delivery resumes
// with the retained events.
func (s *session) deliverPending() error {
	for {
		ev, err := s.sub.next()
		if err == nil {
			if werr := s.conn.WriteLine(ev.Line()); werr != nil {
				return werr
			}
			continue
		}
		if errors.Is(err, errNoEvent) {
			return nil
		}
		var lag *LagError
		if errors.As(err, &lag) {
			log.Printf("[session] %s: %s lagged, dropped %d event(s)", s.id, s.displayName(), lag.Missed)
			if werr := s.conn.WriteLine(protocol.LagWarning(lag.Missed)); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// farewell runs the close handshake: send the last line, half-close the
// write side, then wait for the client to hang up.  A client that has not
// closed within the drain timeout gets cut off.
func (s *session) farewell(last string, lines <-chan string, readErr <-chan error) {
	if err := s.conn.WriteLine(last); err != nil {
		log.Printf("[session] %s: write farewell: %v", s.id, err)
		return
	}
	if err := s.conn.CloseWrite(); err != nil {
		log.Printf("[session] %s: close write: %v", s.id, err)
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.DrainTimeout))

	for {
		select {
		case err := <-readErr:
			if transport.IsTimeout(err) {
				log.Printf("[session] %s: %s did not hang up in time", s.id, s.displayName())
			}
			return
		case <-lines:
			// Input racing the farewell is discarded.
		}
	}
}

// teardown releases everything the session holds.  It runs on every exit
// path: the bus subscription, the departure announcement, the username, the
// connection, and finally the coordinator slot.
func (s *session) teardown() {
	if s.sub != nil {
		s.srv.bus.unsubscribe(s.sub)
	}
	if name, joined := s.identity(); joined {
		s.srv.bus.publish(protocol.Left(name))
		s.srv.reg.release(name)
		log.Printf("[session] %s: %s left", s.id, name)
	}
	// Close errors are expected when shutdown already cut the connection.
	_ = s.conn.Close()
	s.srv.co.remove(s)
}
