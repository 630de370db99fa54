package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/noahkawaguchi/prattle/internal/server"
)

func main() {
	addr := flag.String("addr", envOr("PRATTLE_ADDR", server.DefaultAddr), "TCP address to listen on")
	certDir := flag.String("certs", envOr("PRATTLE_CERT_DIR", "certs"), "directory holding server.crt and server.key")
	flag.Parse()

	srv := server.New(server.Config{Addr: *addr, CertDir: *certDir})
	if err := srv.Listen(); err != nil {
		log.Fatalf("[server] %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("[server] stopped: %v", err)
		}
	case sig := <-quit:
		log.Printf("[server] received %s", sig)
		srv.Shutdown()
	}
}

// envOr reads key from the environment, falling back when unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
