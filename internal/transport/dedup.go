package transport

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type seenState int

const (
	seenNew seenState = iota
	seenInFlight
	seenDone
)

type dedupEntry struct {
	reply []byte
	done  bool
}

// senderWindow remembers the most recent sequence numbers of one sender in
// arrival order. The oldest entry is forgotten once the window is full.
type senderWindow struct {
	lastSeen time.Time
	entries  map[uint64]*dedupEntry
	order    []uint64
}

// dedupCache suppresses re-execution of requests that were already handled.
// It is bounded both per sender (window) and in the number of senders tracked
// (maxSenders); the least recently seen sender is evicted first.
type dedupCache struct {
	senders    map[string]*senderWindow
	mu         sync.Mutex
	window     int
	maxSenders int
}

func newDedupCache(window, maxSenders int) *dedupCache {
	return &dedupCache{
		senders:    make(map[string]*senderWindow),
		window:     window,
		maxSenders: maxSenders,
	}
}

// begin records seq for sender. For a sequence number already completed it
// returns the cached reply bytes.
func (c *dedupCache) begin(sender string, seq uint64, now time.Time) (seenState, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.senders[sender]
	if !ok {
		c.evictIdleLocked()
		w = &senderWindow{entries: make(map[uint64]*dedupEntry)}
		c.senders[sender] = w
	}
	w.lastSeen = now

	if e, ok := w.entries[seq]; ok {
		if e.done {
			return seenDone, e.reply
		}
		return seenInFlight, nil
	}

	w.entries[seq] = &dedupEntry{}
	w.order = append(w.order, seq)
	for len(w.order) > c.window {
		delete(w.entries, w.order[0])
		w.order = w.order[1:]
	}
	return seenNew, nil
}

// finish stores the reply for seq. If the entry was evicted meanwhile the
// reply is simply not cached.
func (c *dedupCache) finish(sender string, seq uint64, reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.senders[sender]
	if !ok {
		return
	}
	if e, ok := w.entries[seq]; ok {
		e.reply = reply
		e.done = true
	}
}

// forget drops seq so that a retry runs the handler again.
func (c *dedupCache) forget(sender string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.senders[sender]; ok {
		delete(w.entries, seq)
		w.order = slices.DeleteFunc(w.order, func(s uint64) bool { return s == seq })
	}
}

func (c *dedupCache) evictIdleLocked() {
	if len(c.senders) < c.maxSenders {
		return
	}
	var oldest string
	var oldestSeen time.Time
	for key, w := range c.senders {
		if oldest == "" || w.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = key, w.lastSeen
		}
	}
	delete(c.senders, oldest)
}
