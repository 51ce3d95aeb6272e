package disk

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicafs/internal/cluster"
	"github.com/dreamware/replicafs/internal/storage"
	"github.com/dreamware/replicafs/internal/transport"
)

func fastTransport() transport.Config {
	return transport.Config{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     80 * time.Millisecond,
		MaxAttempts:     5,
	}
}

// fakeManager answers the manager side of the disk protocol and records what
// it was sent.
type fakeManager struct {
	ep         *transport.Endpoint
	mu         sync.Mutex
	joins      int
	heartbeats []cluster.HeartbeatRequest
	dones      chan cluster.ReplicateDone
	leaves     chan cluster.LeaveRequest

	// joinResult and heartbeatErr pick the outcome of the n-th call (1-based)
	joinResult   func(n int) (cluster.JoinReply, error)
	heartbeatErr func(n int) error
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	ep, err := transport.Listen("127.0.0.1:0", "manager", fastTransport())
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	m := &fakeManager{
		ep:     ep,
		dones:  make(chan cluster.ReplicateDone, 8),
		leaves: make(chan cluster.LeaveRequest, 1),
		joinResult: func(int) (cluster.JoinReply, error) {
			return cluster.JoinReply{Incarnation: "inc-1", ReplicationFactor: 3, HeartbeatMillis: 20, Files: []string{}}, nil
		},
		heartbeatErr: func(int) error { return nil },
	}
	go ep.Serve(m.handle)
	return m
}

func (m *fakeManager) handle(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payload any
	switch req.Type {
	case cluster.TypeJoin:
		m.joins++
		reply, err := m.joinResult(m.joins)
		if err != nil {
			return cluster.ErrorReply(req, err)
		}
		payload = reply
	case cluster.TypeHeartbeat:
		var hb cluster.HeartbeatRequest
		req.Decode(&hb)
		m.heartbeats = append(m.heartbeats, hb)
		if err := m.heartbeatErr(len(m.heartbeats)); err != nil {
			return cluster.ErrorReply(req, err)
		}
		payload = cluster.HeartbeatAck{Status: "ALIVE"}
	case cluster.TypeReplicateDone:
		var done cluster.ReplicateDone
		req.Decode(&done)
		m.dones <- done
	case cluster.TypeLeave:
		var leave cluster.LeaveRequest
		req.Decode(&leave)
		m.leaves <- leave
	}
	reply, _ := cluster.NewReply(req, payload)
	return reply
}

func (m *fakeManager) joinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins
}

func (m *fakeManager) heartbeatsFrom(incarnation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hb := range m.heartbeats {
		if hb.Incarnation == incarnation {
			n++
		}
	}
	return n
}

func testConfig(id string, mgr *fakeManager) Config {
	return Config{
		ID:                id,
		ManagerAddr:       mgr.ep.Addr().String(),
		ControlAddr:       "127.0.0.1:0",
		DataAddr:          "127.0.0.1:0",
		CapacityTotal:     1 << 20,
		HeartbeatInterval: 20 * time.Millisecond,
		JoinAttempts:      5,
		JoinRetryDelay:    10 * time.Millisecond,
		Transport:         fastTransport(),
	}
}

func startNode(t *testing.T, id string, mgr *fakeManager, store storage.Store) *Node {
	t.Helper()
	n, err := New(testConfig(id, mgr), store)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Start(context.Background()))
	return n
}

func newUser(t *testing.T) *transport.Endpoint {
	t.Helper()
	ep, err := transport.Listen("127.0.0.1:0", "user-1", fastTransport())
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	go ep.Serve(nil)
	return ep
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{ManagerAddr: "127.0.0.1:1"}, storage.NewMemoryStore())
	assert.Error(t, err, "missing id")

	_, err = New(Config{ID: "d1"}, storage.NewMemoryStore())
	assert.Error(t, err, "missing manager")
}

func TestJoinAndHeartbeat(t *testing.T) {
	mgr := newFakeManager(t)
	n := startNode(t, "d1", mgr, storage.NewMemoryStore())

	assert.Equal(t, "inc-1", n.Incarnation())
	assert.Equal(t, "d1", n.ID())
	assert.NotZero(t, n.Address().ControlPort)
	assert.NotZero(t, n.Address().DataPort)
	assert.NotEqual(t, n.Address().ControlPort, n.Address().DataPort)

	assert.Eventually(t, func() bool {
		return mgr.heartbeatsFrom("inc-1") >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinRetries(t *testing.T) {
	mgr := newFakeManager(t)
	mgr.joinResult = func(n int) (cluster.JoinReply, error) {
		if n < 3 {
			return cluster.JoinReply{}, cluster.ErrInternal
		}
		return cluster.JoinReply{Incarnation: "inc-3", HeartbeatMillis: 20}, nil
	}

	n := startNode(t, "d1", mgr, storage.NewMemoryStore())
	assert.Equal(t, 3, mgr.joinCount())
	assert.Equal(t, "inc-3", n.Incarnation())
}

func TestJoinGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantJoins int
	}{
		{"retryable error", cluster.ErrInternal, 5},
		{"invalid registration", cluster.ErrInvalidRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newFakeManager(t)
			mgr.joinResult = func(int) (cluster.JoinReply, error) { return cluster.JoinReply{}, tt.err }

			n, err := New(testConfig("d1", mgr), storage.NewMemoryStore())
			require.NoError(t, err)
			defer n.Close()

			err = n.Start(context.Background())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantJoins, mgr.joinCount())
		})
	}
}

func TestJoinDropsUnlistedFiles(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("keep", 1, []byte("k"))
	store.Put("drop", 1, []byte("d"))

	mgr := newFakeManager(t)
	mgr.joinResult = func(int) (cluster.JoinReply, error) {
		return cluster.JoinReply{Incarnation: "inc-1", HeartbeatMillis: 20, Files: []string{"keep"}}, nil
	}
	startNode(t, "d1", mgr, store)

	assert.Equal(t, []string{"keep"}, store.List())
}

func TestRejoinOnUnknownDisk(t *testing.T) {
	mgr := newFakeManager(t)
	mgr.joinResult = func(n int) (cluster.JoinReply, error) {
		inc := "inc-1"
		if n > 1 {
			inc = "inc-2"
		}
		return cluster.JoinReply{Incarnation: inc, HeartbeatMillis: 20}, nil
	}
	mgr.heartbeatErr = func(n int) error {
		if n == 2 {
			return cluster.ErrUnknownDisk
		}
		return nil
	}

	n := startNode(t, "d1", mgr, storage.NewMemoryStore())

	assert.Eventually(t, func() bool {
		return n.Incarnation() == "inc-2" && mgr.heartbeatsFrom("inc-2") > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, mgr.joinCount())
}

func TestPutAndGet(t *testing.T) {
	mgr := newFakeManager(t)
	n := startNode(t, "d1", mgr, storage.NewMemoryStore())
	user := newUser(t)
	ctx := context.Background()
	dataAddr := n.Address().Data()

	put := func(version uint64, data []byte, checksum string) error {
		return user.CallAddr(ctx, dataAddr, cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: version, Checksum: checksum, Data: data}, nil)
	}

	require.NoError(t, put(1, []byte("one"), cluster.Checksum([]byte("one"))))
	require.NoError(t, put(2, []byte("two"), cluster.Checksum([]byte("two"))))

	t.Run("out of order versions are stale", func(t *testing.T) {
		for _, v := range []uint64{1, 2, 4} {
			err := put(v, []byte("x"), cluster.Checksum([]byte("x")))
			assert.ErrorIs(t, err, cluster.ErrStaleVersion, "version %d", v)
		}
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		err := put(3, []byte("three"), cluster.Checksum([]byte("tree")))
		assert.ErrorIs(t, err, cluster.ErrInvalidRequest)
	})

	t.Run("get returns the newest version", func(t *testing.T) {
		var got cluster.GetReply
		require.NoError(t, user.CallAddr(ctx, dataAddr, cluster.TypeGet, cluster.GetRequest{Name: "a.txt"}, &got))
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, []byte("two"), got.Data)
		assert.Equal(t, cluster.Checksum([]byte("two")), got.Checksum)
	})

	t.Run("get missing", func(t *testing.T) {
		err := user.CallAddr(ctx, dataAddr, cluster.TypeGet, cluster.GetRequest{Name: "nope"}, nil)
		assert.ErrorIs(t, err, cluster.ErrNotFound)
	})

	t.Run("control messages are refused on the data port", func(t *testing.T) {
		err := user.CallAddr(ctx, dataAddr, cluster.TypeReplicateCmd, cluster.ReplicateCommand{Name: "a.txt"}, nil)
		assert.ErrorIs(t, err, cluster.ErrInvalidRequest)
	})

	stats := n.Stats()
	assert.Equal(t, uint64(2), stats.Ops.Puts)
	assert.Equal(t, uint64(3), stats.Ops.StaleRejections)
	assert.Equal(t, uint64(2), stats.Ops.Gets)
	assert.Equal(t, 1, stats.Storage.Files)
	assert.Equal(t, int64(3), stats.Storage.Bytes)
}

// TestDuplicatePutAppliedOnce sends the very same datagram twice: the second
// copy is answered from the dedup cache and the store sees one write.
func TestDuplicatePutAppliedOnce(t *testing.T) {
	mgr := newFakeManager(t)
	store := storage.NewMemoryStore()
	n := startNode(t, "d1", mgr, store)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	to, err := net.ResolveUDPAddr("udp", n.Address().Data())
	require.NoError(t, err)

	msg, err := cluster.NewMessage(cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: 1, Checksum: cluster.Checksum([]byte("X")), Data: []byte("X")})
	require.NoError(t, err)
	msg.Seq, msg.Sender, msg.Session = 7, "user-raw", "s1"
	raw, err := cluster.Encode(msg)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	for i := 0; i < 2; i++ {
		_, err = conn.WriteTo(raw, to)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		nr, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		reply, err := cluster.DecodeMessage(buf[:nr])
		require.NoError(t, err)
		assert.Equal(t, cluster.TypePutReply, reply.Type)
		assert.NoError(t, reply.Err(), "attempt %d", i+1)
	}

	assert.Equal(t, uint64(1), n.Stats().Ops.Puts)
	r, err := store.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Version)
}

func TestReplicateFromPeer(t *testing.T) {
	mgr := newFakeManager(t)

	sourceStore := storage.NewMemoryStore()
	sourceStore.Put("a.txt", 1, []byte("v1"))
	sourceStore.Put("a.txt", 2, []byte("v2"))
	source := startNode(t, "d1", mgr, sourceStore)

	targetStore := storage.NewMemoryStore()
	target := startNode(t, "d2", mgr, targetStore)

	send := func(t *testing.T, cmd cluster.ReplicateCommand) cluster.ReplicateDone {
		t.Helper()
		err := mgr.ep.CallAddr(context.Background(), target.Address().Control(), cluster.TypeReplicateCmd, cmd, nil)
		require.NoError(t, err)
		select {
		case done := <-mgr.dones:
			return done
		case <-time.After(2 * time.Second):
			t.Fatal("no REPLICATE_DONE")
			return cluster.ReplicateDone{}
		}
	}
	src := cluster.Replica{DiskID: "d1", Address: source.Address()}

	t.Run("copies the peer's version", func(t *testing.T) {
		done := send(t, cluster.ReplicateCommand{Name: "a.txt", Version: 2, Checksum: cluster.Checksum([]byte("v2")), Source: src})
		assert.True(t, done.OK, done.Reason)
		assert.Equal(t, "d2", done.DiskID)
		assert.Equal(t, "inc-1", done.Incarnation)
		assert.Equal(t, uint64(2), done.Version)

		r, err := targetStore.Get("a.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), r.Data)
		assert.Equal(t, uint64(1), target.Stats().Ops.Replications)
	})

	t.Run("checksum disagreement", func(t *testing.T) {
		done := send(t, cluster.ReplicateCommand{Name: "a.txt", Version: 2, Checksum: "deadbeef", Source: src})
		assert.False(t, done.OK)
		assert.NotEmpty(t, done.Reason)
	})

	t.Run("source lacks the file", func(t *testing.T) {
		done := send(t, cluster.ReplicateCommand{Name: "missing", Version: 1, Source: src})
		assert.False(t, done.OK)
		assert.Contains(t, done.Reason, "not found")
		assert.Equal(t, uint64(2), target.Stats().Ops.ReplicationFailures)
	})
}

func TestDeleteCommand(t *testing.T) {
	mgr := newFakeManager(t)
	store := storage.NewMemoryStore()
	store.Put("a.txt", 1, []byte("x"))
	mgr.joinResult = func(int) (cluster.JoinReply, error) {
		return cluster.JoinReply{Incarnation: "inc-1", HeartbeatMillis: 20, Files: []string{"a.txt"}}, nil
	}
	n := startNode(t, "d1", mgr, store)

	err := mgr.ep.CallAddr(context.Background(), n.Address().Control(), cluster.TypeDelete, cluster.DeleteRequest{Name: "a.txt"}, nil)
	require.NoError(t, err)
	assert.Empty(t, store.List())
	assert.Equal(t, uint64(1), n.Stats().Ops.Deletes)

	err = mgr.ep.CallAddr(context.Background(), n.Address().Control(), cluster.TypeGet, cluster.GetRequest{Name: "a.txt"}, nil)
	assert.ErrorIs(t, err, cluster.ErrInvalidRequest, "data requests are refused on the control port")
}

func TestShutdownLeaves(t *testing.T) {
	mgr := newFakeManager(t)
	n, err := New(testConfig("d1", mgr), storage.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	select {
	case leave := <-mgr.leaves:
		assert.Equal(t, "d1", leave.DiskID)
		assert.Equal(t, "inc-1", leave.Incarnation)
	default:
		t.Fatal("no LEAVE received")
	}
}

func TestHeartbeatNotBlockedBySlowPeers(t *testing.T) {
	mgr := newFakeManager(t)
	n := startNode(t, "d1", mgr, storage.NewMemoryStore())

	// a copy from a source that never answers keeps a goroutine busy for the
	// whole retry budget
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	port := silent.LocalAddr().(*net.UDPAddr).Port
	cmd := cluster.ReplicateCommand{Name: "a.txt", Version: 1, Source: cluster.Replica{DiskID: "d9", Address: cluster.DiskAddress{Host: "127.0.0.1", ControlPort: port, DataPort: port}}}
	require.NoError(t, mgr.ep.CallAddr(context.Background(), n.Address().Control(), cluster.TypeReplicateCmd, cmd, nil))

	before := mgr.heartbeatsFrom("inc-1")
	time.Sleep(200 * time.Millisecond)
	assert.GreaterOrEqual(t, mgr.heartbeatsFrom("inc-1")-before, 4)
}

func (m *fakeManager) reported(incarnation string) (names map[string]uint64, largest int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names = map[string]uint64{}
	for _, hb := range m.heartbeats {
		if hb.Incarnation != incarnation {
			continue
		}
		if len(hb.Stored) > largest {
			largest = len(hb.Stored)
		}
		for _, sv := range hb.Stored {
			names[sv.Name] = sv.Version
		}
	}
	return names, largest
}

func TestHeartbeatIntervalFollowsRejoin(t *testing.T) {
	mgr := newFakeManager(t)
	mgr.joinResult = func(n int) (cluster.JoinReply, error) {
		if n == 1 {
			return cluster.JoinReply{Incarnation: "inc-1", HeartbeatMillis: 300}, nil
		}
		return cluster.JoinReply{Incarnation: "inc-2", HeartbeatMillis: 20}, nil
	}
	mgr.heartbeatErr = func(n int) error {
		if n == 1 {
			return cluster.ErrUnknownDisk
		}
		return nil
	}
	startNode(t, "d1", mgr, storage.NewMemoryStore())

	require.Eventually(t, func() bool { return mgr.joinCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	// at 300ms a tick this would take seconds
	assert.Eventually(t, func() bool {
		return mgr.heartbeatsFrom("inc-2") >= 10
	}, 1500*time.Millisecond, 10*time.Millisecond)
}

func TestHeartbeatReportsStoredVersions(t *testing.T) {
	store := storage.NewMemoryStore()
	var files []string
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("f%02d", i)
		_, err := store.Put(name, 1, []byte(name))
		require.NoError(t, err)
		files = append(files, name)
	}
	_, err := store.Put("f07", 2, []byte("again"))
	require.NoError(t, err)

	mgr := newFakeManager(t)
	mgr.joinResult = func(int) (cluster.JoinReply, error) {
		return cluster.JoinReply{Incarnation: "inc-1", HeartbeatMillis: 20, Files: files}, nil
	}
	startNode(t, "d1", mgr, store)

	require.Eventually(t, func() bool {
		names, _ := mgr.reported("inc-1")
		return len(names) == len(files)
	}, 2*time.Second, 10*time.Millisecond, "every stored file is reported")

	names, largest := mgr.reported("inc-1")
	assert.LessOrEqual(t, largest, reportBatch)
	assert.Equal(t, uint64(2), names["f07"])
	assert.Equal(t, uint64(1), names["f39"])
}
