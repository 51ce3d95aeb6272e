package disk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicafs/internal/cluster"
	"github.com/dreamware/replicafs/internal/storage"
	"github.com/dreamware/replicafs/internal/transport"
)

// Config describes one disk process.
type Config struct {
	Transport         transport.Config
	ID                string        // Disk name, unique in the cluster
	ManagerAddr       string        // host:port of the manager
	Host              string        // Host advertised to the manager and users
	ControlAddr       string        // Listen address for manager traffic
	DataAddr          string        // Listen address for user and peer traffic
	CapacityTotal     int64         // Bytes this disk offers
	HeartbeatInterval time.Duration // Used until the manager hands one out
	JoinAttempts      int           // JOIN attempts before giving up
	JoinRetryDelay    time.Duration // Pause between JOIN attempts
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 10
	}
	if c.JoinRetryDelay <= 0 {
		c.JoinRetryDelay = 400 * time.Millisecond
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	return c
}

// Node is a running disk: a replica store served on two endpoints plus an
// independent heartbeat loop.
//
// The control endpoint talks to the manager. It sends JOIN, HEARTBEAT,
// REPLICATE_DONE and LEAVE, and serves REPLICATE_CMD and DELETE. The data
// endpoint serves GET and PUT from users and from peers copying a replica,
// and issues the GETs of this disk's own copies.
//
// Heartbeats run on their own goroutine and each one is bounded by the
// heartbeat interval, so neither slow clients nor a slow copy can delay them.
type Node struct {
	store       storage.Store
	control     *transport.Endpoint
	data        *transport.Endpoint
	managerAddr net.Addr
	ctx         context.Context
	cancel      context.CancelFunc
	cfg         Config
	incarnation string
	ops         OperationStats
	heartbeat   time.Duration
	cursor      string // last file reported; heartbeat goroutine only
	wg          sync.WaitGroup
	mu          sync.RWMutex
	rejoining   atomic.Bool
}

// New opens both endpoints. The node does nothing until Start.
func New(cfg Config, store storage.Store) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == "" || cfg.ManagerAddr == "" {
		return nil, fmt.Errorf("disk needs an id and a manager address")
	}
	mgr, err := net.ResolveUDPAddr("udp", cfg.ManagerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve manager %s: %w", cfg.ManagerAddr, err)
	}

	control, err := transport.Listen(cfg.ControlAddr, cfg.ID, cfg.Transport)
	if err != nil {
		return nil, err
	}
	data, err := transport.Listen(cfg.DataAddr, cfg.ID+"/data", cfg.Transport)
	if err != nil {
		control.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:         cfg,
		store:       store,
		control:     control,
		data:        data,
		managerAddr: mgr,
		heartbeat:   cfg.HeartbeatInterval,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ID returns the disk name.
func (n *Node) ID() string {
	return n.cfg.ID
}

// Address returns the advertised control and data endpoints.
func (n *Node) Address() cluster.DiskAddress {
	return cluster.DiskAddress{
		Host:        n.cfg.Host,
		ControlPort: port(n.control.Addr()),
		DataPort:    port(n.data.Addr()),
	}
}

func port(addr net.Addr) int {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.Port
	}
	_, p, _ := net.SplitHostPort(addr.String())
	v, _ := strconv.Atoi(p)
	return v
}

// Incarnation returns the incarnation the manager assigned on the last JOIN.
func (n *Node) Incarnation() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.incarnation
}

// Start serves both endpoints, joins the manager and starts heartbeating.
// It returns an error if the manager could not be joined.
func (n *Node) Start(ctx context.Context) error {
	n.serve(n.control, n.handleControl)
	n.serve(n.data, n.handleData)

	if err := n.join(ctx); err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.heartbeatLoop()
	}()
	return nil
}

func (n *Node) serve(ep *transport.Endpoint, h transport.Handler) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := ep.Serve(h); err != nil {
			log.Errorf("disk[%s]: serve %s: %v", n.cfg.ID, ep.Addr(), err)
		}
	}()
}

// join registers with the manager, retrying while it is unreachable. The
// reply's file list is authoritative: local copies it does not name are
// dropped.
func (n *Node) join(ctx context.Context) error {
	req := cluster.JoinRequest{DiskID: n.cfg.ID, Address: n.Address(), CapacityTotal: n.cfg.CapacityTotal}
	var lastErr error

	for i := 0; i < n.cfg.JoinAttempts; i++ {
		var reply cluster.JoinReply
		lastErr = n.control.Call(ctx, n.managerAddr, cluster.TypeJoin, req, &reply)
		if lastErr == nil {
			n.mu.Lock()
			n.incarnation = reply.Incarnation
			if reply.HeartbeatMillis > 0 {
				n.heartbeat = time.Duration(reply.HeartbeatMillis) * time.Millisecond
			}
			n.mu.Unlock()

			for _, name := range n.store.List() {
				if !slices.Contains(reply.Files, name) {
					n.store.Delete(name)
				}
			}
			log.WithFields(log.Fields{"disk": n.cfg.ID, "incarnation": reply.Incarnation}).
				Infof("joined manager @ %s (RF=%d, %d files)", n.managerAddr, reply.ReplicationFactor, len(reply.Files))
			return nil
		}
		if errors.Is(lastErr, cluster.ErrInvalidRequest) {
			break
		}
		log.Printf("disk[%s]: join retry %d: %v", n.cfg.ID, i+1, lastErr)

		select {
		case <-time.After(n.cfg.JoinRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return transport.ErrClosed
		}
	}
	return fmt.Errorf("join manager %s: %w", n.managerAddr, lastErr)
}

// heartbeatLoop picks up a new interval handed out by a rejoin on the next tick.
func (n *Node) heartbeatLoop() {
	interval := n.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d := n.heartbeatInterval(); d != interval {
				interval = d
				ticker.Reset(interval)
			}
			n.sendHeartbeat(interval)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) heartbeatInterval() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.heartbeat
}

// reportBatch bounds the stored versions one heartbeat carries.
const reportBatch = 32

// nextReport returns the versions of up to reportBatch files following the
// previous report, wrapping around, so every copy is reported within a few
// heartbeats.
func (n *Node) nextReport() []cluster.StoredVersion {
	names := n.store.List()
	if len(names) == 0 {
		return nil
	}
	start, found := slices.BinarySearch(names, n.cursor)
	if found {
		start++
	}

	var out []cluster.StoredVersion
	for i := 0; i < len(names) && i < reportBatch; i++ {
		name := names[(start+i)%len(names)]
		n.cursor = name
		r, err := n.store.Get(name)
		if err != nil {
			continue
		}
		out = append(out, cluster.StoredVersion{Name: name, Version: r.Version, Checksum: r.Checksum, Size: int64(len(r.Data))})
	}
	return out
}

func (n *Node) sendHeartbeat(interval time.Duration) {
	ctx, cancel := context.WithTimeout(n.ctx, interval)
	defer cancel()

	req := cluster.HeartbeatRequest{
		DiskID:        n.cfg.ID,
		Incarnation:   n.Incarnation(),
		CapacityUsed:  n.store.Stats().Bytes,
		CapacityTotal: n.cfg.CapacityTotal,
		Stored:        n.nextReport(),
	}
	err := n.control.Call(ctx, n.managerAddr, cluster.TypeHeartbeat, req, nil)
	switch {
	case err == nil:
	case errors.Is(err, cluster.ErrUnknownDisk):
		log.Warnf("disk[%s]: manager does not know incarnation %s, rejoining", n.cfg.ID, req.Incarnation)
		n.rejoin()
	case n.ctx.Err() != nil:
	default:
		log.Debugf("disk[%s]: heartbeat: %v", n.cfg.ID, err)
	}
}

// rejoin runs JOIN off the heartbeat goroutine; only one at a time.
func (n *Node) rejoin() {
	if !n.rejoining.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.rejoining.Store(false)
		if err := n.join(n.ctx); err != nil {
			log.Errorf("disk[%s]: rejoin failed: %v", n.cfg.ID, err)
		}
	}()
}

// handleControl serves manager commands.
func (n *Node) handleControl(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
	switch req.Type {
	case cluster.TypeReplicateCmd:
		var cmd cluster.ReplicateCommand
		if err := req.Decode(&cmd); err != nil {
			return cluster.ErrorReply(req, err)
		}
		// acknowledge now, report through REPLICATE_DONE
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.replicate(cmd)
		}()
		return reply(req, nil)

	case cluster.TypeDelete:
		var in cluster.DeleteRequest
		if err := req.Decode(&in); err != nil {
			return cluster.ErrorReply(req, err)
		}
		atomic.AddUint64(&n.ops.Deletes, 1)
		n.store.Delete(in.Name)
		log.Debugf("disk[%s]: deleted %s", n.cfg.ID, in.Name)
		return reply(req, nil)

	default:
		return cluster.ErrorReply(req, fmt.Errorf("%w: %s on control port", cluster.ErrInvalidRequest, req.Type))
	}
}

// handleData serves GET and PUT.
func (n *Node) handleData(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
	switch req.Type {
	case cluster.TypeGet:
		var in cluster.GetRequest
		if err := req.Decode(&in); err != nil {
			return cluster.ErrorReply(req, err)
		}
		atomic.AddUint64(&n.ops.Gets, 1)
		r, err := n.store.Get(in.Name)
		if err != nil {
			return cluster.ErrorReply(req, err)
		}
		return reply(req, cluster.GetReply{Name: in.Name, Version: r.Version, Checksum: r.Checksum, Data: r.Data})

	case cluster.TypePut:
		var in cluster.PutRequest
		if err := req.Decode(&in); err != nil {
			return cluster.ErrorReply(req, err)
		}
		if cluster.Checksum(in.Data) != in.Checksum {
			return cluster.ErrorReply(req, fmt.Errorf("%w: checksum mismatch for %s", cluster.ErrInvalidRequest, in.Name))
		}
		r, err := n.store.Put(in.Name, in.Version, in.Data)
		if err != nil {
			if errors.Is(err, cluster.ErrStaleVersion) {
				atomic.AddUint64(&n.ops.StaleRejections, 1)
			}
			log.Debugf("disk[%s]: put: %v", n.cfg.ID, err)
			return cluster.ErrorReply(req, err)
		}
		atomic.AddUint64(&n.ops.Puts, 1)
		return reply(req, cluster.PutReply{Version: r.Version})

	default:
		return cluster.ErrorReply(req, fmt.Errorf("%w: %s on data port", cluster.ErrInvalidRequest, req.Type))
	}
}

func reply(req *cluster.Message, payload any) *cluster.Message {
	msg, err := cluster.NewReply(req, payload)
	if err != nil {
		return cluster.ErrorReply(req, err)
	}
	return msg
}

// replicate copies a file from a peer and reports the result to the manager.
// Whatever version the peer holds is installed as long as the bytes match
// their checksum; the manager decides whether it is the one it wanted.
func (n *Node) replicate(cmd cluster.ReplicateCommand) {
	done := cluster.ReplicateDone{DiskID: n.cfg.ID, Incarnation: n.Incarnation(), Name: cmd.Name}

	var got cluster.GetReply
	err := n.data.CallAddr(n.ctx, cmd.Source.Address.Data(), cluster.TypeGet, cluster.GetRequest{Name: cmd.Name}, &got)
	switch {
	case err != nil:
		err = fmt.Errorf("fetch from %s: %w", cmd.Source.DiskID, err)
	case cluster.Checksum(got.Data) != got.Checksum:
		err = fmt.Errorf("%s sent corrupt data", cmd.Source.DiskID)
	case got.Version == cmd.Version && cmd.Checksum != "" && got.Checksum != cmd.Checksum:
		err = fmt.Errorf("%s holds v%d with checksum %.12s, want %.12s", cmd.Source.DiskID, got.Version, got.Checksum, cmd.Checksum)
	default:
		err = n.store.Install(cmd.Name, storage.Replica{Version: got.Version, Checksum: got.Checksum, Data: got.Data})
	}

	fields := log.Fields{"disk": n.cfg.ID, "file": cmd.Name, "source": cmd.Source.DiskID}
	if err != nil {
		atomic.AddUint64(&n.ops.ReplicationFailures, 1)
		log.WithFields(fields).Warnf("replication failed: %v", err)
		done.Reason = err.Error()
	} else {
		atomic.AddUint64(&n.ops.Replications, 1)
		log.WithFields(fields).Infof("installed %s v%d", cmd.Name, got.Version)
		done.OK = true
		done.Version = got.Version
		done.Checksum = got.Checksum
	}

	if err := n.control.Call(n.ctx, n.managerAddr, cluster.TypeReplicateDone, done, nil); err != nil && n.ctx.Err() == nil {
		log.WithFields(fields).Warnf("report replication: %v", err)
	}
}

// Shutdown leaves the cluster and closes the node.
func (n *Node) Shutdown(ctx context.Context) error {
	err := n.control.Call(ctx, n.managerAddr, cluster.TypeLeave, cluster.LeaveRequest{DiskID: n.cfg.ID, Incarnation: n.Incarnation()}, nil)
	if err != nil {
		log.Warnf("disk[%s]: leave: %v", n.cfg.ID, err)
	}
	return n.Close()
}

// Close stops the node without telling the manager, which will eventually
// declare it dead.
func (n *Node) Close() error {
	n.cancel()
	err := n.control.Close()
	if derr := n.data.Close(); err == nil {
		err = derr
	}
	n.wg.Wait()

	s := n.Stats()
	log.WithFields(log.Fields{
		"gets":         s.Ops.Gets,
		"puts":         s.Ops.Puts,
		"stale":        s.Ops.StaleRejections,
		"replications": s.Ops.Replications,
		"files":        s.Storage.Files,
		"bytes":        s.Storage.Bytes,
	}).Infof("disk[%s] stopped", n.cfg.ID)
	return err
}
