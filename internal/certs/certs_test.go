package certs

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadOrGenerate_FirstRun tests that a fresh directory gains both files
// and the certificate covers the loopback names.
func TestLoadOrGenerate_FirstRun(t *testing.T) {
	dir := t.TempDir()

	cert, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	info, err := os.Stat(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "private key must be owner-only")

	_, err = os.Stat(filepath.Join(dir, CertFile))
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")

	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.Contains(t, ips, "127.0.0.1")
	assert.Contains(t, ips, "::1")
}

// TestLoadOrGenerate_Reload tests that a second call loads the saved pair
// instead of generating a new one.
func TestLoadOrGenerate_Reload(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

// TestPool_VerifiesGeneratedCert tests the full pinning path: a TLS
// handshake over an in-memory pipe using the generated certificate on the
// server side and the pool on the client side.
func TestPool_VerifiesGeneratedCert(t *testing.T) {
	dir := t.TempDir()

	cert, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	pool, err := Pool(dir)
	require.NoError(t, err)

	srvRaw, cliRaw := net.Pipe()
	t.Cleanup(func() {
		srvRaw.Close()
		cliRaw.Close()
	})

	srv := tls.Server(srvRaw, &tls.Config{Certificates: []tls.Certificate{cert}})
	cli := tls.Client(cliRaw, &tls.Config{RootCAs: pool, ServerName: "localhost"})

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Handshake() }()

	require.NoError(t, cli.Handshake())
	require.NoError(t, <-srvErr)
}

// TestPool_MissingCert tests the error when nothing was provisioned.
func TestPool_MissingCert(t *testing.T) {
	_, err := Pool(t.TempDir())
	assert.Error(t, err)
}
