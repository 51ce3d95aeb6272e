// Package main runs the manager: the single process that tracks disk
// membership and decides where every file's replicas live.
//
// Configuration:
//   - MANAGER_ADDR: UDP listen address (default "127.0.0.1:18500")
//   - LOG_LEVEL: logrus level (default "info")
//   - REPLICAFS_CONFIG and REPLICAFS_*: cluster parameters, see internal/config
//
// The listen port must lie in the configured operating range.
//
// Example usage:
//
//	MANAGER_ADDR=127.0.0.1:18500 ./manager
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/config"
	"github.com/dreamware/replicafs/internal/manager"
	"github.com/dreamware/replicafs/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	addr := getenv("MANAGER_ADDR", "127.0.0.1:18500")
	if err := validateAddr(cfg, addr); err != nil {
		logFatal("MANAGER_ADDR: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, addr, nil); err != nil {
		logFatal("manager: %v", err)
	}
}

// run serves the manager on addr until ctx is canceled. If ready is not nil
// it receives the bound address once the manager is serving.
func run(ctx context.Context, cfg config.Config, addr string, ready chan<- net.Addr) error {
	ep, err := transport.Listen(addr, "manager", cfg.TransportConfig())
	if err != nil {
		return err
	}
	defer ep.Close()

	m := manager.New(ep, cfg.Manager())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		m.Run(ctx)
	}()
	go func() {
		if err := ep.Serve(m.Handle); err != nil {
			log.Errorf("serve: %v", err)
		}
	}()

	log.Printf("manager listening on %s", ep.Addr())
	if ready != nil {
		ready <- ep.Addr()
	}

	<-loopDone
	log.Println("manager stopped")
	return nil
}

func validateAddr(cfg config.Config, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	_, err = cfg.ParsePort(port)
	return err
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		log.Warnf("LOG_LEVEL: %v, using info", err)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// getenv returns the environment variable k, or def if it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
