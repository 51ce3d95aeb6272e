// Package main is the interactive user process. It reads commands from
// standard input and runs them against the cluster:
//
//	put <name> <text>        store text as a new version of name
//	putfile <name> <path>    store the contents of a local file
//	get <name>               print a file
//	getfile <name> <path>    save a file locally
//	delete <name>            remove a file
//	ls                       list files with version, size and replicas
//	help                     show this list
//	quit                     exit
//
// Configuration:
//   - MANAGER_ADDR: Manager host:port (required)
//   - USER_ID: Sender id (default "user")
//   - USER_PORT: Local UDP port, validated against the operating range
//     (default: any free port)
//   - LOG_LEVEL: logrus level (default "warning" so output stays readable)
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/client"
	"github.com/dreamware/replicafs/internal/cluster"
	"github.com/dreamware/replicafs/internal/config"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// fileClient is the part of client.Client the shell uses.
type fileClient interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) (uint64, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]cluster.FileInfo, error)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(getenv("LOG_LEVEL", "warning"))
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)

	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	listen, err := listenAddr(cfg, os.Getenv("USER_PORT"))
	if err != nil {
		logFatal("USER_PORT: %v", err)
		return
	}

	c, err := client.Dial(client.Config{
		Transport:   cfg.TransportConfig(),
		ID:          getenv("USER_ID", "user"),
		ManagerAddr: mustGetenv("MANAGER_ADDR"),
		ListenAddr:  listen,
	})
	if err != nil {
		logFatal("dial: %v", err)
		return
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sh := &shell{client: c, out: os.Stdout, prompt: "> "}
	if err := sh.run(ctx, os.Stdin); err != nil {
		logFatal("%v", err)
	}
}

// listenAddr picks the local address for the user endpoint.
func listenAddr(cfg config.Config, port string) (string, error) {
	if port == "" {
		return "127.0.0.1:0", nil
	}
	p, err := cfg.ParsePort(port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(p)), nil
}

// maxLine bounds one command line, text payload included.
const maxLine = 64 * 1024

type shell struct {
	client fileClient
	out    io.Writer
	prompt string
}

// run executes commands from in until quit, end of input or ctx ends.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 4096), maxLine)
	for {
		fmt.Fprint(s.out, s.prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if s.exec(ctx, scanner.Text()) {
			return nil
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "put":
		if len(args) < 2 {
			err = errUsage("put <name> <text>")
			break
		}
		// keep the text as typed, including inner spaces
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))
		text = strings.TrimSpace(strings.TrimPrefix(text, args[0]))
		err = s.put(ctx, args[0], []byte(text))
	case "putfile":
		if len(args) != 2 {
			err = errUsage("putfile <name> <path>")
			break
		}
		var data []byte
		if data, err = os.ReadFile(args[1]); err == nil {
			err = s.put(ctx, args[0], data)
		}
	case "get":
		if len(args) != 1 {
			err = errUsage("get <name>")
			break
		}
		var data []byte
		if data, err = s.client.Get(ctx, args[0]); err == nil {
			fmt.Fprintf(s.out, "%s\n", data)
		}
	case "getfile":
		if len(args) != 2 {
			err = errUsage("getfile <name> <path>")
			break
		}
		var data []byte
		if data, err = s.client.Get(ctx, args[0]); err == nil {
			if err = os.WriteFile(args[1], data, 0o644); err == nil {
				fmt.Fprintf(s.out, "saved %s (%d bytes) to %s\n", args[0], len(data), args[1])
			}
		}
	case "delete", "rm":
		if len(args) != 1 {
			err = errUsage("delete <name>")
			break
		}
		if err = s.client.Delete(ctx, args[0]); err == nil {
			fmt.Fprintf(s.out, "deleted %s\n", args[0])
		}
	case "ls", "list":
		err = s.list(ctx)
	case "help":
		s.help()
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command %q, try help", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "error: %s\n", describe(err))
	}
	return false
}

func (s *shell) put(ctx context.Context, name string, data []byte) error {
	version, err := s.client.Put(ctx, name, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "stored %s v%d (%d bytes)\n", name, version, len(data))
	return nil
}

func (s *shell) list(ctx context.Context) error {
	files, err := s.client.List(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(s.out, "no files")
		return nil
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSIZE\tREPLICAS")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", f.Name, f.Version, f.Size, strings.Join(f.Replicas, ","))
	}
	return w.Flush()
}

func (s *shell) help() {
	fmt.Fprint(s.out, `commands:
  put <name> <text>
  putfile <name> <path>
  get <name>
  getfile <name> <path>
  delete <name>
  ls
  quit
`)
}

type errUsage string

func (e errUsage) Error() string { return "usage: " + string(e) }

// describe turns cluster errors into short messages for the terminal.
func describe(err error) string {
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		return "file not found"
	case errors.Is(err, cluster.ErrUnavailable):
		return "not enough disks available: " + err.Error()
	case errors.Is(err, cluster.ErrWriteFailed):
		return "write failed: " + err.Error()
	case errors.Is(err, cluster.ErrTransportTimeout):
		return "no answer: " + err.Error()
	}
	return err.Error()
}

// getenv returns the environment variable k, or def if it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the environment variable k and exits if it is missing.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
