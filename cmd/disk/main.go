// Package main runs a disk: a storage node that holds file replicas in memory,
// heartbeats to the manager and serves reads and writes from users.
//
// The disk is a worker in the replicafs cluster, responsible for:
//   - Joining the manager and heartbeating until shutdown
//   - Serving GET and PUT on its data port
//   - Copying replicas from peers when the manager asks
//   - Dropping replicas the manager deletes
//
// Configuration:
//   - DISK_ID: Disk name, letters, digits, '-' and '_' (required)
//   - MANAGER_ADDR: Manager host:port (required)
//   - DISK_CONTROL_PORT: UDP port for manager traffic (required)
//   - DISK_DATA_PORT: UDP port for user and peer traffic (required)
//   - DISK_HOST: Host to bind and advertise (default "127.0.0.1")
//   - DISK_CAPACITY: Bytes offered to the cluster (default 1 GiB)
//   - LOG_LEVEL: logrus level (default "info")
//   - REPLICAFS_CONFIG and REPLICAFS_*: cluster parameters, see internal/config
//
// Both ports must lie in the configured operating range.
//
// Example usage:
//
//	DISK_ID=d1 \
//	MANAGER_ADDR=127.0.0.1:18500 \
//	DISK_CONTROL_PORT=18510 \
//	DISK_DATA_PORT=18511 \
//	./disk
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/config"
	"github.com/dreamware/replicafs/internal/disk"
	"github.com/dreamware/replicafs/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
// This indirection enables test code to intercept fatal errors
// without actually terminating the test process.
var logFatal = log.Fatalf

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	dc, err := diskConfig(cfg)
	if err != nil {
		logFatal("%v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dc, nil); err != nil {
		logFatal("disk[%s]: %v", dc.ID, err)
	}
}

// diskConfig reads the process environment into a disk configuration.
func diskConfig(cfg config.Config) (disk.Config, error) {
	id := mustGetenv("DISK_ID")
	mgr := mustGetenv("MANAGER_ADDR")
	host := getenv("DISK_HOST", "127.0.0.1")

	control, err := cfg.ParsePort(mustGetenv("DISK_CONTROL_PORT"))
	if err != nil {
		return disk.Config{}, fmt.Errorf("DISK_CONTROL_PORT: %w", err)
	}
	data, err := cfg.ParsePort(mustGetenv("DISK_DATA_PORT"))
	if err != nil {
		return disk.Config{}, fmt.Errorf("DISK_DATA_PORT: %w", err)
	}
	if control == data {
		return disk.Config{}, fmt.Errorf("control and data ports must differ, both are %d", control)
	}

	capacity, err := strconv.ParseInt(getenv("DISK_CAPACITY", strconv.Itoa(1<<30)), 10, 64)
	if err != nil || capacity <= 0 {
		return disk.Config{}, fmt.Errorf("DISK_CAPACITY: invalid capacity %q", os.Getenv("DISK_CAPACITY"))
	}

	return disk.Config{
		Transport:         cfg.TransportConfig(),
		ID:                id,
		ManagerAddr:       mgr,
		Host:              host,
		ControlAddr:       net.JoinHostPort(host, strconv.Itoa(control)),
		DataAddr:          net.JoinHostPort(host, strconv.Itoa(data)),
		CapacityTotal:     capacity,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, nil
}

// run starts a disk and keeps it in the cluster until ctx is canceled, then
// leaves gracefully. If ready is not nil it receives the node once it has
// joined.
func run(ctx context.Context, dc disk.Config, ready chan<- *disk.Node) error {
	node, err := disk.New(dc, storage.NewMemoryStore())
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		node.Close()
		return err
	}
	addr := node.Address()
	log.Printf("disk[%s] serving control %s data %s", node.ID(), addr.Control(), addr.Data())
	if ready != nil {
		ready <- node
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return node.Shutdown(shutdownCtx)
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

// getenv retrieves an environment variable with a default fallback value.
//
// Example:
//
//	host := getenv("DISK_HOST", "127.0.0.1")
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
