// Package transport frames a client connection as newline-delimited UTF-8
// text lines.  It works over any net.Conn; the server hands it *tls.Conn so
// every line rides the encrypted stream.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// MaxLineBytes caps a single inbound line, terminator included.  A peer
	// that sends more without a newline is misbehaving and gets cut off.
	MaxLineBytes = 4096

	// DefaultWriteTimeout bounds each write so a stuck peer cannot wedge the
	// goroutine that serves it.
	DefaultWriteTimeout = 10 * time.Second
)

// ErrLineTooLong reports an inbound line longer than MaxLineBytes.
var ErrLineTooLong = errors.New("transport: line exceeds maximum length")

// closeWriter is the half-close surface of *tls.Conn and *net.TCPConn.
type closeWriter interface {
	CloseWrite() error
}

// Conn wraps an established connection with buffered, line-oriented I/O.
//
// Conn adds no locking of its own: callers dedicate one goroutine to reads
// and one to writes, the same split net.Conn already supports.
type Conn struct {
	raw          net.Conn
	br           *bufio.Reader
	writeTimeout time.Duration
}

// New wraps raw.  writeTimeout bounds every write; pass zero to disable the
// deadline (useful for in-memory pipes in tests).
func New(raw net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		br:           bufio.NewReaderSize(raw, MaxLineBytes),
		writeTimeout: writeTimeout,
	}
}

// ReadLine blocks until a full line arrives and returns it without its
// line terminator ("\n" or "\r\n").  A final unterminated line before EOF is
// returned as-is; the EOF surfaces on the next call.  Lines longer than
// MaxLineBytes fail with ErrLineTooLong.
func (c *Conn) ReadLine() (string, error) {
	slice, err := c.br.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return "", ErrLineTooLong
		}
		if err == io.EOF && len(slice) > 0 {
			return string(slice), nil
		}
		return "", err
	}
	line := strings.TrimSuffix(string(slice), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// WriteLine writes line followed by a newline.
func (c *Conn) WriteLine(line string) error {
	return c.WriteString(line + "\n")
}

// WriteString writes s exactly as given.  Used for output that carries its
// own terminators, or deliberately none, like the username prompt.
func (c *Conn) WriteString(s string) error {
	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.raw, s)
	return err
}

// CloseWrite half-closes the connection: the peer sees EOF (a TLS
// close_notify on encrypted connections) while reads stay open, so the
// close can be acknowledged before teardown.  Connections without
// half-close support are closed outright.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.raw.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.raw.Close()
}

// SetReadDeadline bounds all future reads, including one already blocked.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Close tears the connection down.  Safe to call more than once.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr reports the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
