package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicafs/internal/cluster"
)

// lossyConn drops outgoing datagrams selected by drop.
type lossyConn struct {
	net.PacketConn
	drop func(data []byte) bool
}

func (c *lossyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.drop != nil && c.drop(p) {
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}

// dropFirst returns a drop function discarding the first n datagrams whose
// envelope contains marker.
func dropFirst(n int, marker string) func([]byte) bool {
	var mu sync.Mutex
	dropped := 0
	return func(p []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if dropped < n && strings.Contains(string(p), marker) {
			dropped++
			return true
		}
		return false
	}
}

func fastConfig() Config {
	return Config{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     80 * time.Millisecond,
		MaxAttempts:     5,
		DedupWindow:     16,
	}
}

func listenLossy(t *testing.T, id string, drop func([]byte) bool) *Endpoint {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := NewEndpoint(&lossyConn{PacketConn: conn, drop: drop}, id, fastConfig())
	t.Cleanup(func() { ep.Close() })
	return ep
}

// startPutServer serves PUT requests, counting handler executions.
func startPutServer(t *testing.T, drop func([]byte) bool) (*Endpoint, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := listenLossy(t, "disk-1", drop)
	go srv.Serve(func(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
		calls.Add(1)
		var put cluster.PutRequest
		if err := req.Decode(&put); err != nil {
			return cluster.ErrorReply(req, err)
		}
		reply, _ := cluster.NewReply(req, cluster.PutReply{Version: put.Version})
		return reply
	})
	return srv, &calls
}

// TestRequestRoundTrip verifies a request reaches the handler and the reply comes back
func TestRequestRoundTrip(t *testing.T) {
	srv, calls := startPutServer(t, nil)
	cli := listenLossy(t, "user-1", nil)
	go cli.Serve(nil)

	var out cluster.PutReply
	err := cli.Call(context.Background(), srv.Addr(), cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: 4}, &out)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), out.Version)
	assert.Equal(t, int32(1), calls.Load())
}

// TestRetransmitAfterLoss verifies a request dropped once is delivered by the retry
func TestRetransmitAfterLoss(t *testing.T) {
	srv, calls := startPutServer(t, nil)
	cli := listenLossy(t, "user-1", dropFirst(1, `"type":"PUT"`))
	go cli.Serve(nil)

	start := time.Now()
	var out cluster.PutReply
	err := cli.Call(context.Background(), srv.Addr(), cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: 1}, &out)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), out.Version)
	assert.Equal(t, int32(1), calls.Load(), "handler should run exactly once")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "delivery should have needed a retransmission")
}

// TestLostReplyDoesNotReexecute verifies that losing the acknowledgment only
// causes a duplicate request, which the dedup cache absorbs
func TestLostReplyDoesNotReexecute(t *testing.T) {
	srv, calls := startPutServer(t, dropFirst(1, `"type":"PUT_REPLY"`))
	cli := listenLossy(t, "user-1", nil)
	go cli.Serve(nil)

	var out cluster.PutReply
	err := cli.Call(context.Background(), srv.Addr(), cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: 7}, &out)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), out.Version)
	assert.Equal(t, int32(1), calls.Load(), "duplicate must be answered from cache")
}

// TestDuplicateDelivery verifies the same datagram delivered twice runs the
// handler once and both deliveries are acknowledged identically
func TestDuplicateDelivery(t *testing.T) {
	srv, calls := startPutServer(t, nil)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()

	msg, err := cluster.NewMessage(cluster.TypePut, cluster.PutRequest{Name: "a.txt", Version: 2})
	require.NoError(t, err)
	msg.Seq = 1
	msg.Sender = "user-raw"
	msg.Session = "s1"
	data, err := cluster.Encode(msg)
	require.NoError(t, err)

	readReply := func() []byte {
		buf := make([]byte, 4096)
		require.NoError(t, raw.SetReadDeadline(time.Now().Add(time.Second)))
		n, _, err := raw.ReadFrom(buf)
		require.NoError(t, err)
		return buf[:n]
	}

	_, err = raw.WriteTo(data, srv.Addr())
	require.NoError(t, err)
	first := readReply()

	_, err = raw.WriteTo(data, srv.Addr())
	require.NoError(t, err)
	second := readReply()

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	reply, err := cluster.DecodeMessage(first)
	require.NoError(t, err)
	assert.True(t, reply.Reply)
	assert.Equal(t, uint64(1), reply.Seq)

	// a new session with the same sequence number is a different request
	msg.Session = "s2"
	data, err = cluster.Encode(msg)
	require.NoError(t, err)
	_, err = raw.WriteTo(data, srv.Addr())
	require.NoError(t, err)
	readReply()
	assert.Equal(t, int32(2), calls.Load())
}

// TestTimeoutWhenPeerSilent verifies the retry budget is bounded
func TestTimeoutWhenPeerSilent(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	var received atomic.Int32
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, _, err := silent.ReadFrom(buf); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	cli := listenLossy(t, "user-1", nil)
	go cli.Serve(nil)

	start := time.Now()
	_, err = cli.Request(context.Background(), silent.LocalAddr(), cluster.TypeGet, cluster.GetRequest{Name: "a.txt"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrTransportTimeout), "got %v", err)
	// 20 + 40 + 80 + 80 + 80 ms
	assert.Less(t, elapsed, 2*time.Second)
	assert.Eventually(t, func() bool { return received.Load() == 5 }, time.Second, 10*time.Millisecond)
}

// TestContextDeadlineIsTimeout verifies a caller deadline surfaces as TRANSPORT_TIMEOUT
func TestContextDeadlineIsTimeout(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	cli := listenLossy(t, "disk-1", nil)
	go cli.Serve(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = cli.Request(ctx, silent.LocalAddr(), cluster.TypeHeartbeat, cluster.HeartbeatRequest{DiskID: "d1"})
	assert.ErrorIs(t, err, cluster.ErrTransportTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = cli.Request(ctx, silent.LocalAddr(), cluster.TypeHeartbeat, cluster.HeartbeatRequest{DiskID: "d1"})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestCallMapsErrorCodes verifies reply error codes become sentinel errors
func TestCallMapsErrorCodes(t *testing.T) {
	srv := listenLossy(t, "disk-1", nil)
	go srv.Serve(func(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
		return cluster.ErrorReply(req, cluster.ErrStaleVersion)
	})
	cli := listenLossy(t, "user-1", nil)
	go cli.Serve(nil)

	err := cli.Call(context.Background(), srv.Addr(), cluster.TypePut, cluster.PutRequest{Name: "a"}, nil)
	assert.ErrorIs(t, err, cluster.ErrStaleVersion)

	err = cli.CallAddr(context.Background(), srv.Addr().String(), cluster.TypePut, cluster.PutRequest{Name: "a"}, nil)
	assert.ErrorIs(t, err, cluster.ErrStaleVersion)
}

// TestNilReplyForgetsRequest verifies a handler declining to answer lets the retry run it again
func TestNilReplyForgetsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := listenLossy(t, "manager", nil)
	go srv.Serve(func(_ context.Context, _ net.Addr, req *cluster.Message) *cluster.Message {
		if calls.Add(1) == 1 {
			return nil
		}
		reply, _ := cluster.NewReply(req, nil)
		return reply
	})
	cli := listenLossy(t, "disk-1", nil)
	go cli.Serve(nil)

	err := cli.Call(context.Background(), srv.Addr(), cluster.TypeLeave, cluster.LeaveRequest{DiskID: "d1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

// TestRequestTooLarge verifies oversized datagrams are rejected before sending
func TestRequestTooLarge(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := fastConfig()
	cfg.MaxMessageSize = 512
	cli := NewEndpoint(conn, "user-1", cfg)
	defer cli.Close()

	_, err = cli.Request(context.Background(), conn.LocalAddr(), cluster.TypePut, cluster.PutRequest{
		Name: "big",
		Data: make([]byte, 1024),
	})
	assert.ErrorIs(t, err, cluster.ErrTooLarge)
}

// TestCloseFailsPendingRequests verifies Close unblocks waiting callers
func TestCloseFailsPendingRequests(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := fastConfig()
	cfg.InitialInterval = time.Second
	cli := NewEndpoint(conn, "user-1", cfg)
	go cli.Serve(nil)

	done := make(chan error, 1)
	go func() {
		_, err := cli.Request(context.Background(), silent.LocalAddr(), cluster.TypeList, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cli.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("request still blocked after Close")
	}

	_, err = cli.Request(context.Background(), silent.LocalAddr(), cluster.TypeList, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// TestConfigDefaults verifies zero values fall back to the default policy
func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.InitialInterval, cfg.InitialInterval)
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.DedupWindow, cfg.DedupWindow)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.GreaterOrEqual(t, cfg.MaxInterval, cfg.InitialInterval)
}
