package server

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahkawaguchi/prattle/internal/certs"
	"github.com/noahkawaguchi/prattle/internal/protocol"
)

// startTLSServer runs a server on an ephemeral port with a throwaway
// certificate and returns it with a client TLS config that trusts it.
func startTLSServer(t *testing.T, cfg Config) (*Server, *tls.Config) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	cfg.CertDir = t.TempDir()

	srv := New(cfg)
	require.NoError(t, srv.Listen())

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case err := <-serveDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})

	pool, err := certs.Pool(cfg.CertDir)
	require.NoError(t, err)
	return srv, &tls.Config{RootCAs: pool, ServerName: "localhost"}
}

func dialClient(t *testing.T, srv *Server, tlsCfg *tls.Config) *testClient {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Addr().String(), tlsCfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return newTestClient(t, conn)
}

// TestServer_TLSRoundTrip tests the whole stack end to end: accept, TLS,
// join, chat both ways, and quit.
func TestServer_TLSRoundTrip(t *testing.T) {
	srv, tlsCfg := startTLSServer(t, Config{})

	alice := dialClient(t, srv, tlsCfg)
	alice.join("alice")

	bob := dialClient(t, srv, tlsCfg)
	bob.join("bob")
	alice.expectLine("* bob joined the server")

	alice.send("hello over tls")
	alice.expectLine("alice: hello over tls")
	bob.expectLine("alice: hello over tls")

	bob.send("/who")
	bob.expectLine("Currently online: alice, bob")

	alice.send("/quit")
	alice.expectLine(protocol.GoodbyeLine)
	alice.expectEOF()
	bob.expectLine("* alice left the server")

	bob.send("/quit")
	bob.expectLine(protocol.GoodbyeLine)
	bob.expectEOF()
}

// TestServer_GracefulShutdown tests that Shutdown notifies a responsive
// client, waits for it to hang up, and leaves the port closed.
func TestServer_GracefulShutdown(t *testing.T) {
	srv, tlsCfg := startTLSServer(t, Config{
		DrainTimeout:    2 * time.Second,
		ShutdownTimeout: 3 * time.Second,
	})

	c := dialClient(t, srv, tlsCfg)
	c.join("alice")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		srv.Shutdown()
	}()

	c.expectLine(protocol.ShutdownNotice)
	c.expectEOF()
	require.NoError(t, c.conn.Close())

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	_, err := tls.Dial("tcp", srv.Addr().String(), tlsCfg)
	assert.Error(t, err, "the listener should be closed")
}

// TestServer_ShutdownCutsSilentClient tests that a client that stops
// reading entirely cannot hold up shutdown past the drain timeout.
func TestServer_ShutdownCutsSilentClient(t *testing.T) {
	srv, tlsCfg := startTLSServer(t, Config{
		DrainTimeout:    200 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	})

	c := dialClient(t, srv, tlsCfg)
	c.join("alice")
	// From here the client neither reads nor writes.

	start := time.Now()
	srv.Shutdown()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "shutdown should finish at the drain timeout, not the global one")
}
