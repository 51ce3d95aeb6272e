package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/cluster"
	"github.com/dreamware/replicafs/internal/transport"
)

// Config describes one user process.
type Config struct {
	Transport   transport.Config
	ID          string // Sender id stamped on requests
	ManagerAddr string // host:port of the manager
	ListenAddr  string // Local UDP address for Dial, "127.0.0.1:0" if empty
}

// Client performs file operations against the cluster. Placement questions go
// to the manager; bytes go straight to the disks.
//
// Thread-safe: operations may run concurrently.
type Client struct {
	ep      *transport.Endpoint
	manager net.Addr
	done    chan struct{}
}

// Dial opens the client's endpoint on cfg.ListenAddr. No message is sent
// until the first operation.
func Dial(cfg Config) (*Client, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	c, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs a client over an existing packet connection, which it takes
// ownership of.
func New(conn net.PacketConn, cfg Config) (*Client, error) {
	if cfg.ID == "" {
		cfg.ID = "user"
	}
	mgr, err := net.ResolveUDPAddr("udp", cfg.ManagerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve manager %s: %w", cfg.ManagerAddr, err)
	}

	ep := transport.NewEndpoint(conn, cfg.ID, cfg.Transport)
	c := &Client{ep: ep, manager: mgr, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		if err := ep.Serve(nil); err != nil {
			log.Errorf("user[%s]: %v", cfg.ID, err)
		}
	}()
	return c, nil
}

// Addr returns the client's local address.
func (c *Client) Addr() net.Addr {
	return c.ep.Addr()
}

// Close releases the endpoint. Operations in progress fail.
func (c *Client) Close() error {
	err := c.ep.Close()
	<-c.done
	return err
}

func (c *Client) resolve(ctx context.Context, req cluster.ResolveRequest) (cluster.ResolveReply, error) {
	var reply cluster.ResolveReply
	if err := c.ep.Call(ctx, c.manager, cluster.TypeResolve, req, &reply); err != nil {
		return reply, err
	}
	if len(reply.Replicas) == 0 {
		return reply, fmt.Errorf("%s: manager returned no replicas: %w", req.Name, cluster.ErrUnavailable)
	}
	return reply, nil
}

// Get reads a file from one replica. If that replica does not answer or
// returns bytes that fail verification, the read is resolved again without it
// and retried once. It returns cluster.ErrNotFound for unknown files and
// cluster.ErrUnavailable when no replica could serve the read.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	var (
		exclude []string
		lastErr error
	)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := c.resolve(ctx, cluster.ResolveRequest{Name: name, Intent: cluster.IntentRead, Exclude: exclude})
		if err != nil {
			if errors.Is(err, cluster.ErrUnavailable) && lastErr != nil {
				break
			}
			return nil, err
		}
		replica := res.Replicas[0]

		var got cluster.GetReply
		err = c.ep.CallAddr(ctx, replica.Address.Data(), cluster.TypeGet, cluster.GetRequest{Name: name}, &got)
		if err == nil {
			err = verify(res, got)
		}
		if errors.Is(err, errUncommitted) {
			// the write may have committed since the resolve
			again, rerr := c.resolve(ctx, cluster.ResolveRequest{Name: name, Intent: cluster.IntentRead, Exclude: exclude})
			if rerr == nil {
				err = verify(again, got)
			}
		}
		if err == nil {
			return got.Data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.WithFields(log.Fields{"file": name, "disk": replica.DiskID}).Warnf("read failed, trying another replica: %v", err)
		lastErr = err
		exclude = append(exclude, replica.DiskID)
	}
	return nil, fmt.Errorf("%s: %w (last error: %v)", name, cluster.ErrUnavailable, lastErr)
}

// errUncommitted marks a replica holding a version newer than the committed
// one the manager resolved.
var errUncommitted = errors.New("uncommitted version")

// verify checks a replica's answer against itself and against the committed
// version the manager resolved.
func verify(res cluster.ResolveReply, got cluster.GetReply) error {
	if cluster.Checksum(got.Data) != got.Checksum {
		return fmt.Errorf("checksum mismatch")
	}
	if got.Version < res.Version {
		return fmt.Errorf("replica has v%d, committed v%d", got.Version, res.Version)
	}
	if got.Version > res.Version {
		return fmt.Errorf("replica has v%d, committed v%d: %w", got.Version, res.Version, errUncommitted)
	}
	if res.Checksum != "" && got.Checksum != res.Checksum {
		return fmt.Errorf("replica v%d differs from committed checksum", got.Version)
	}
	return nil
}

// Put writes a new version of a file, creating it if needed, and returns the
// version written.
//
// The write goes to the primary first; a STALE_VERSION from it means another
// writer got there first and the write fails at once. The remaining replicas
// are written in parallel and the acknowledgments are reported to the manager
// with COMMIT. The write succeeds only if the manager answers that it
// committed, which takes a strict majority of the replica set. Replicas that
// applied a failed write are repaired by the manager, not here.
func (c *Client) Put(ctx context.Context, name string, data []byte) (uint64, error) {
	res, err := c.resolve(ctx, cluster.ResolveRequest{Name: name, Intent: cluster.IntentWrite, Create: true})
	if err != nil {
		return 0, err
	}

	req := cluster.PutRequest{
		Name:     name,
		Version:  res.Version + 1,
		Checksum: cluster.Checksum(data),
		Data:     data,
	}

	commit := cluster.CommitRequest{
		WriteID:  res.WriteID,
		Name:     name,
		Version:  req.Version,
		Checksum: req.Checksum,
		Size:     int64(len(data)),
	}

	var mu sync.Mutex
	record := func(id string, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		commit.Acked = append(commit.Acked, id)
	}

	primary := res.Replicas[0]
	err = c.ep.CallAddr(ctx, primary.Address.Data(), cluster.TypePut, req, nil)
	if errors.Is(err, cluster.ErrStaleVersion) {
		// close the write; nothing was applied
		if cerr := c.ep.Call(ctx, c.manager, cluster.TypeCommit, commit, nil); cerr != nil {
			log.WithField("file", name).Debugf("abandon write: %v", cerr)
		}
		return 0, fmt.Errorf("%s v%d: primary %s rejected the write: %w", name, req.Version, primary.DiskID, cluster.ErrWriteFailed)
	}
	if err != nil {
		log.WithFields(log.Fields{"file": name, "disk": primary.DiskID}).Warnf("primary write failed: %v", err)
	}
	record(primary.DiskID, err)

	var wg sync.WaitGroup
	for _, r := range res.Replicas[1:] {
		wg.Add(1)
		go func(r cluster.Replica) {
			defer wg.Done()
			err := c.ep.CallAddr(ctx, r.Address.Data(), cluster.TypePut, req, nil)
			if err != nil {
				log.WithFields(log.Fields{"file": name, "disk": r.DiskID}).Warnf("replica write failed: %v", err)
			}
			record(r.DiskID, err)
		}(r)
	}
	wg.Wait()

	var verdict cluster.CommitReply
	if err := c.ep.Call(ctx, c.manager, cluster.TypeCommit, commit, &verdict); err != nil {
		return 0, fmt.Errorf("%s v%d: commit: %v: %w", name, req.Version, err, cluster.ErrWriteFailed)
	}
	if !verdict.Committed {
		return 0, fmt.Errorf("%s v%d: %d of %d replicas acknowledged, manager kept v%d: %w", name, req.Version, len(commit.Acked), res.SetSize, verdict.Version, cluster.ErrWriteFailed)
	}
	return req.Version, nil
}

// Delete removes a file. Disks drop their copies in the background.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.ep.Call(ctx, c.manager, cluster.TypeDelete, cluster.DeleteRequest{Name: name}, nil)
}

// List returns every stored file, sorted by name.
func (c *Client) List(ctx context.Context) ([]cluster.FileInfo, error) {
	var reply cluster.ListReply
	if err := c.ep.Call(ctx, c.manager, cluster.TypeList, nil, &reply); err != nil {
		return nil, err
	}
	return reply.Files, nil
}
