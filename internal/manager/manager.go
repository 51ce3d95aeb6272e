package manager

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/cluster"
	"github.com/dreamware/replicafs/internal/transport"
)

// ErrStopped is returned by requests that reach a manager whose loop has exited.
var ErrStopped = errors.New("manager stopped")

// op is one unit of work for the event loop. fn runs on the loop goroutine
// and may touch State; the actions it returns are sent after it completes.
type op struct {
	fn   func(now time.Time) []Action
	done chan struct{}
}

// Manager owns a State and serves it over a transport endpoint.
//
// All access to the State goes through a single event loop (Run): inbound
// requests, the periodic scan and completion reports of commands the manager
// sent are all turned into ops and applied one at a time, in arrival order.
// Nothing else ever reads or writes the tables, so they need no lock.
//
// Commands produced by state changes (REPLICATE_CMD, DELETE) are sent on
// their own goroutines so a slow or dead disk never stalls the loop. A
// command that cannot be delivered is reported back to the loop as an op.
//
// Usage:
//
//	ep, _ := transport.Listen(addr, "manager", transport.DefaultConfig())
//	m := manager.New(ep, manager.DefaultConfig())
//	go ep.Serve(m.Handle)
//	m.Run(ctx)
type Manager struct {
	state   *State
	ep      *transport.Endpoint
	now     func() time.Time
	ops     chan op
	stopped chan struct{}
	cfg     Config
	wg      sync.WaitGroup
}

// New creates a manager with empty tables. Membership is rebuilt from the
// JOINs of disks after every start.
func New(ep *transport.Endpoint, cfg Config) *Manager {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = cfg.HeartbeatInterval
	}
	return &Manager{
		state:   NewState(cfg),
		ep:      ep,
		cfg:     cfg,
		now:     time.Now,
		ops:     make(chan op),
		stopped: make(chan struct{}),
	}
}

// Run is the event loop. It returns when ctx is canceled, after the commands
// already in flight have finished.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	log.Infof("manager loop started: RF=%d heartbeat=%v scan=%v", m.cfg.ReplicationFactor, m.cfg.HeartbeatInterval, m.cfg.ScanInterval)

	for {
		select {
		case o := <-m.ops:
			actions := o.fn(m.now())
			close(o.done)
			m.send(ctx, actions)
		case <-ticker.C:
			m.send(ctx, m.state.Scan(m.now()))
		case <-ctx.Done():
			close(m.stopped)
			m.wg.Wait()
			log.Println("manager loop stopped")
			return
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func(now time.Time) []Action) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case m.ops <- o:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-o.done
	return nil
}

// send delivers actions to their target disks in the background.
func (m *Manager) send(ctx context.Context, actions []Action) {
	for _, a := range actions {
		m.wg.Add(1)
		go func(a Action) {
			defer m.wg.Done()
			m.sendAction(ctx, a)
		}(a)
	}
}

func (m *Manager) sendAction(ctx context.Context, a Action) {
	var err error
	switch a.Kind {
	case ActionReplicate:
		cmd := cluster.ReplicateCommand{Name: a.File, Version: a.Version, Checksum: a.Checksum, Source: a.Source}
		err = m.ep.CallAddr(ctx, a.Target.Address.Control(), cluster.TypeReplicateCmd, cmd, nil)
	case ActionDelete:
		err = m.ep.CallAddr(ctx, a.Target.Address.Control(), cluster.TypeDelete, cluster.DeleteRequest{Name: a.File}, nil)
	}
	if err == nil {
		return
	}

	log.WithFields(log.Fields{"disk": a.Target.DiskID, "file": a.File}).Warnf("%s: %v", a, err)
	if a.Kind != ActionReplicate || ctx.Err() != nil {
		return
	}
	_ = m.do(ctx, func(time.Time) []Action {
		m.state.ReplicationFailed(a.Target.DiskID, a.File, a.Ordered)
		return nil
	})
}

// Handle is the transport handler for the manager endpoint.
func (m *Manager) Handle(ctx context.Context, from net.Addr, req *cluster.Message) *cluster.Message {
	var reply *cluster.Message
	err := m.do(ctx, func(now time.Time) []Action {
		var actions []Action
		reply, actions = m.apply(now, req)
		return actions
	})
	if err != nil {
		// no reply: the sender retries or gives up
		return nil
	}
	return reply
}

// apply decodes one request, runs it against the state and builds the reply.
// Runs on the event loop.
func (m *Manager) apply(now time.Time, req *cluster.Message) (*cluster.Message, []Action) {
	var (
		payload any
		actions []Action
		err     error
	)

	switch req.Type {
	case cluster.TypeJoin:
		var in cluster.JoinRequest
		if err = req.Decode(&in); err == nil {
			payload, actions, err = m.state.Join(now, in)
		}

	case cluster.TypeLeave:
		var in cluster.LeaveRequest
		if err = req.Decode(&in); err == nil {
			actions, err = m.state.Leave(now, in)
		}

	case cluster.TypeHeartbeat:
		var in cluster.HeartbeatRequest
		if err = req.Decode(&in); err == nil {
			if actions, err = m.state.Heartbeat(now, in); err == nil {
				d, _ := m.state.Disk(in.DiskID)
				payload = cluster.HeartbeatAck{Status: string(d.Status)}
			}
		}

	case cluster.TypeResolve:
		var in cluster.ResolveRequest
		if err = req.Decode(&in); err == nil {
			payload, err = m.state.Resolve(now, in)
		}

	case cluster.TypeCommit:
		var in cluster.CommitRequest
		if err = req.Decode(&in); err == nil {
			var committed bool
			if committed, actions, err = m.state.Commit(now, in); err == nil {
				f, _ := m.state.File(in.Name)
				payload = cluster.CommitReply{Committed: committed, Version: f.Version}
			}
		}

	case cluster.TypeReplicateDone:
		var in cluster.ReplicateDone
		if err = req.Decode(&in); err == nil {
			actions, err = m.state.ReplicateDone(now, in)
		}

	case cluster.TypeDelete:
		var in cluster.DeleteRequest
		if err = req.Decode(&in); err == nil {
			actions, err = m.state.Delete(in.Name)
		}

	case cluster.TypeList:
		payload = cluster.ListReply{Files: m.state.List()}

	default:
		err = cluster.ErrInvalidRequest
	}

	if err != nil {
		log.WithFields(log.Fields{"type": req.Type, "sender": req.Sender}).Debugf("request failed: %v", err)
		return cluster.ErrorReply(req, err), actions
	}
	reply, err := cluster.NewReply(req, payload)
	if err != nil {
		return cluster.ErrorReply(req, err), actions
	}
	return reply, actions
}

// Disks returns a snapshot of the membership table.
func (m *Manager) Disks(ctx context.Context) ([]DiskRecord, error) {
	var out []DiskRecord
	err := m.do(ctx, func(time.Time) []Action {
		out = m.state.Disks()
		return nil
	})
	return out, err
}

// Files returns a snapshot of the placement table.
func (m *Manager) Files(ctx context.Context) ([]FileRecord, error) {
	var out []FileRecord
	err := m.do(ctx, func(time.Time) []Action {
		out = m.state.Files()
		return nil
	})
	return out, err
}
