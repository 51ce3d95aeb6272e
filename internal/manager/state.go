package manager

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicafs/internal/cluster"
)

// Config holds the cluster parameters the manager enforces.
type Config struct {
	ReplicationFactor  int           // Copies kept of every file
	HeartbeatInterval  time.Duration // How often disks heartbeat (handed out on JOIN)
	HeartbeatTimeout   time.Duration // Silence before ALIVE -> SUSPECT
	SuspectTimeout     time.Duration // Time in SUSPECT before DEAD
	DeadGrace          time.Duration // Time a DEAD record is kept before it is forgotten
	ScanInterval       time.Duration // Period of the timeout scan
	ReplicationTimeout time.Duration // How long a replica copy may stay pending
	CommitTimeout      time.Duration // How long a resolved write may wait for its COMMIT
}

// DefaultConfig returns RF 3 with one-second heartbeats.
func DefaultConfig() Config {
	return Config{
		ReplicationFactor:  3,
		HeartbeatInterval:  time.Second,
		HeartbeatTimeout:   3 * time.Second,
		SuspectTimeout:     3 * time.Second,
		DeadGrace:          30 * time.Second,
		ScanInterval:       time.Second,
		ReplicationTimeout: 10 * time.Second,
		CommitTimeout:      30 * time.Second,
	}
}

// Quorum returns the strict majority of n replicas.
func Quorum(n int) int {
	return n/2 + 1
}

// ActionKind selects what the event loop sends for an Action.
type ActionKind int

const (
	// ActionReplicate sends REPLICATE_CMD: Target copies File at Version from Source.
	ActionReplicate ActionKind = iota + 1
	// ActionDelete sends DELETE: Target drops its copy of File.
	ActionDelete
)

// Action is a command a state change asks the manager to send to a disk.
// State methods only return actions; sending them is the event loop's job.
type Action struct {
	Ordered  time.Time // When a copy was ordered; identifies the pending entry
	Target   cluster.Replica
	Source   cluster.Replica
	File     string
	Checksum string
	Version  uint64
	Kind     ActionKind
}

func (a Action) String() string {
	switch a.Kind {
	case ActionReplicate:
		return fmt.Sprintf("replicate %s@v%d %s -> %s", a.File, a.Version, a.Source.DiskID, a.Target.DiskID)
	case ActionDelete:
		return fmt.Sprintf("delete %s on %s", a.File, a.Target.DiskID)
	default:
		return fmt.Sprintf("action(%d)", a.Kind)
	}
}

// State is the membership table and the placement table.
//
// Every method takes the current time explicitly and returns the commands
// the change calls for instead of sending them, so State has no clock, no
// goroutines and no I/O. It is not safe for concurrent use: Manager confines
// it to a single event loop.
type State struct {
	disks map[string]*DiskRecord // disk id -> newest incarnation
	files map[string]*FileRecord // file name -> record
	cfg   Config
}

// NewState creates empty tables.
func NewState(cfg Config) *State {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultConfig().CommitTimeout
	}
	return &State{
		cfg:   cfg,
		disks: make(map[string]*DiskRecord),
		files: make(map[string]*FileRecord),
	}
}

// Disk returns a copy of the record for id.
func (s *State) Disk(id string) (DiskRecord, bool) {
	d, ok := s.disks[id]
	if !ok {
		return DiskRecord{}, false
	}
	out := *d
	out.Load = s.loads()[id]
	return out, true
}

// Disks returns copies of all disk records sorted by id.
func (s *State) Disks() []DiskRecord {
	loads := s.loads()
	out := make([]DiskRecord, 0, len(s.disks))
	for _, id := range sortedKeys(s.disks) {
		d := *s.disks[id]
		d.Load = loads[id]
		out = append(out, d)
	}
	return out
}

// File returns a copy of the record for name.
func (s *State) File(name string) (FileRecord, bool) {
	f, ok := s.files[name]
	if !ok {
		return FileRecord{}, false
	}
	return f.clone(), true
}

// Files returns copies of all file records sorted by name.
func (s *State) Files() []FileRecord {
	out := make([]FileRecord, 0, len(s.files))
	for _, name := range sortedKeys(s.files) {
		out = append(out, s.files[name].clone())
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
