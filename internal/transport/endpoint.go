package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/replicafs/internal/cluster"
)

// ErrClosed is returned by requests still waiting when the endpoint closes.
var ErrClosed = errors.New("endpoint closed")

// Config controls retransmission and duplicate suppression.
type Config struct {
	InitialInterval time.Duration // first retransmission delay
	MaxInterval     time.Duration // cap for the doubling delay
	MaxAttempts     int           // total transmissions before TRANSPORT_TIMEOUT
	DedupWindow     int           // recent sequence numbers remembered per sender
	MaxSenders      int           // senders remembered by the dedup cache
	MaxMessageSize  int           // largest datagram sent or accepted
}

// DefaultConfig returns the retry policy used when nothing is configured:
// 200ms doubling up to 2s, five transmissions in total.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxAttempts:     5,
		DedupWindow:     256,
		MaxSenders:      1024,
		MaxMessageSize:  60000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.MaxSenders <= 0 {
		c.MaxSenders = def.MaxSenders
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// Handler answers one inbound request. Returning nil sends no reply and
// forgets the request, so a retransmission will run the handler again.
type Handler func(ctx context.Context, from net.Addr, req *cluster.Message) *cluster.Message

// Endpoint is one socket with request/response semantics on top of an
// unreliable datagram transport.
//
// Outbound requests are numbered, retransmitted with exponential backoff and
// resolved by the first matching reply. Inbound requests are passed to the
// handler at most once per (sender, session, seq) within the dedup window;
// duplicates of completed requests are answered from the cache.
//
// Thread-safe: Request may be called from any number of goroutines.
type Endpoint struct {
	conn    net.PacketConn
	dedup   *dedupCache
	pending map[uint64]chan *cluster.Message
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	session string
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	seq     atomic.Uint64
	closed  atomic.Bool
}

// Listen opens a UDP endpoint on addr (for example "127.0.0.1:0").
func Listen(addr, id string, cfg Config) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewEndpoint(conn, id, cfg), nil
}

// NewEndpoint wraps an existing packet connection. The endpoint owns conn and
// closes it on Close.
func NewEndpoint(conn net.PacketConn, id string, cfg Config) *Endpoint {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		conn:    conn,
		id:      id,
		session: uuid.NewString(),
		cfg:     cfg,
		dedup:   newDedupCache(cfg.DedupWindow, cfg.MaxSenders),
		pending: make(map[uint64]chan *cluster.Message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Addr returns the local address of the endpoint.
func (e *Endpoint) Addr() net.Addr {
	return e.conn.LocalAddr()
}

// ID returns the sender id stamped on outgoing messages.
func (e *Endpoint) ID() string {
	return e.id
}

// Serve reads datagrams until the endpoint is closed. Replies are matched to
// waiting requests; requests are dispatched to h on their own goroutine. A nil
// handler makes the endpoint client-only: inbound requests are ignored.
func (e *Endpoint) Serve(h Handler) error {
	buf := make([]byte, e.cfg.MaxMessageSize)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read %s: %w", e.conn.LocalAddr(), err)
		}

		msg, err := cluster.DecodeMessage(buf[:n])
		if err != nil {
			log.Debugf("endpoint %s: dropping malformed datagram from %s: %v", e.id, from, err)
			continue
		}

		if msg.Reply {
			e.deliver(msg)
			continue
		}
		if h != nil {
			e.dispatch(h, from, msg)
		}
	}
}

func (e *Endpoint) deliver(msg *cluster.Message) {
	e.mu.Lock()
	ch := e.pending[msg.Seq]
	e.mu.Unlock()

	if ch == nil {
		// late or duplicate reply
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (e *Endpoint) dispatch(h Handler, from net.Addr, req *cluster.Message) {
	key := req.Sender + "/" + req.Session
	state, cached := e.dedup.begin(key, req.Seq, time.Now())

	switch state {
	case seenDone:
		log.Debugf("endpoint %s: duplicate %s seq=%d from %s, re-sending reply", e.id, req.Type, req.Seq, req.Sender)
		e.write(cached, from)
		return
	case seenInFlight:
		return
	}
	if e.closed.Load() {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		reply := h(e.ctx, from, req)
		if reply == nil {
			e.dedup.forget(key, req.Seq)
			return
		}
		reply.Seq = req.Seq
		reply.Reply = true
		reply.Sender = e.id
		reply.Session = e.session

		data, err := cluster.Encode(reply)
		if err == nil && len(data) > e.cfg.MaxMessageSize {
			err = cluster.ErrTooLarge
		}
		if err != nil {
			log.Warnf("endpoint %s: cannot send %s reply: %v", e.id, reply.Type, err)
			data, _ = cluster.Encode(&cluster.Message{
				Type:    reply.Type,
				Seq:     req.Seq,
				Reply:   true,
				Sender:  e.id,
				Session: e.session,
				Error:   cluster.CodeOf(err),
			})
		}
		e.dedup.finish(key, req.Seq, data)
		e.write(data, from)
	}()
}

func (e *Endpoint) write(data []byte, to net.Addr) {
	if _, err := e.conn.WriteTo(data, to); err != nil && !e.closed.Load() {
		// a failed send is indistinguishable from loss; retries cover it
		log.Debugf("endpoint %s: write to %s: %v", e.id, to, err)
	}
}

// Request sends payload to the endpoint at to and waits for its reply,
// retransmitting with exponential backoff. It returns cluster.ErrTransportTimeout
// once MaxAttempts transmissions went unanswered or ctx's deadline passed.
//
// The reply is returned as received: an error code inside it is not
// converted. Use Call for that.
func (e *Endpoint) Request(ctx context.Context, to net.Addr, t cluster.MessageType, payload any) (*cluster.Message, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	msg, err := cluster.NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.Seq = e.seq.Add(1)
	msg.Sender = e.id
	msg.Session = e.session

	data, err := cluster.Encode(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > e.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", cluster.ErrTooLarge, t, len(data), e.cfg.MaxMessageSize)
	}

	ch := make(chan *cluster.Message, 1)
	e.mu.Lock()
	e.pending[msg.Seq] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, msg.Seq)
		e.mu.Unlock()
	}()

	interval := e.cfg.InitialInterval
	for attempt := 1; ; attempt++ {
		e.write(data, to)

		timer := time.NewTimer(interval)
		select {
		case reply := <-ch:
			timer.Stop()
			return reply, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s seq=%d to %s: %v", cluster.ErrTransportTimeout, t, msg.Seq, to, ctx.Err())
			}
			return nil, ctx.Err()
		case <-e.ctx.Done():
			timer.Stop()
			return nil, ErrClosed
		}

		if attempt >= e.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w: %s seq=%d to %s after %d attempts", cluster.ErrTransportTimeout, t, msg.Seq, to, attempt)
		}
		log.Debugf("endpoint %s: retransmitting %s seq=%d to %s (attempt %d/%d)", e.id, t, msg.Seq, to, attempt+1, e.cfg.MaxAttempts)

		interval *= 2
		if interval > e.cfg.MaxInterval {
			interval = e.cfg.MaxInterval
		}
	}
}

// Call is Request plus reply handling: an error code in the reply is returned
// as its sentinel error, otherwise the payload is decoded into out (which may
// be nil when the reply carries nothing of interest).
func (e *Endpoint) Call(ctx context.Context, to net.Addr, t cluster.MessageType, payload, out any) error {
	reply, err := e.Request(ctx, to, t, payload)
	if err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		return fmt.Errorf("%s to %s: %w", t, to, err)
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// CallAddr is Call with a "host:port" destination.
func (e *Endpoint) CallAddr(ctx context.Context, addr string, t cluster.MessageType, payload, out any) error {
	to, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	return e.Call(ctx, to, t, payload, out)
}

// Close stops Serve, fails waiting requests with ErrClosed and waits for
// running handlers to return.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	err := e.conn.Close()
	e.wg.Wait()
	return err
}
