// Package manager implements the cluster coordinator: disk membership, file
// placement, failure detection and re-replication.
//
// # Overview
//
// The manager is the only component with a cluster-wide view. It keeps two
// tables, both rebuilt from scratch on every start:
//
//   - Membership: one DiskRecord per disk id, driven by JOIN, HEARTBEAT and
//     LEAVE messages and by the clock.
//   - Placement: one FileRecord per file name, holding the committed version,
//     its checksum and the ordered replica set.
//
// Disks hold bytes; users move bytes. The manager only decides who holds what.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                   Manager                     │
//	├───────────────────────────────────────────────┤
//	│  transport handler ──► ops channel ──┐        │
//	│  scan ticker ────────────────────────┤        │
//	│  command failures ───────────────────┤        │
//	│                                      ▼        │
//	│                   event loop (Run)            │
//	│                        │                      │
//	│                        ▼                      │
//	│        State (membership + placement)         │
//	│                        │ []Action             │
//	│                        ▼                      │
//	│     sender goroutines: REPLICATE_CMD, DELETE  │
//	└───────────────────────────────────────────────┘
//
// State is a plain value with no locks, no clock and no I/O: every method
// takes the current time and returns the commands a change calls for. The
// Manager confines it to one goroutine and serializes everything that touches
// it through a channel, so two placement decisions never interleave. This also
// makes State testable with a hand-driven clock.
//
// # Disk State Machine
//
//	         heartbeat
//	JOINING ──────────► ALIVE ◄─────────┐
//	   │                  │             │ heartbeat
//	   │ heartbeatTimeout │ heartbeat-  │
//	   │                  │ Timeout     │
//	   └──────────► SUSPECT ────────────┘
//	                  │
//	                  │ suspectTimeout
//	                  ▼
//	                DEAD ──► forgotten after DeadGrace
//
// DEAD is terminal for an incarnation. A JOIN from the same id mints a new
// incarnation; messages still carrying the old one are answered with
// UNKNOWN_DISK. LEAVE and rejoin retire the previous incarnation through
// SUSPECT, never directly to DEAD.
//
// # Placement
//
// New files get ReplicationFactor distinct ALIVE disks ranked by most
// available capacity, then fewest hosted replicas, then id. The first member is
// the primary, which writers contact before the others.
//
// When a disk dies it is removed from every replica set. Files left short are
// given replacements, chosen with the same ranking, which copy the committed
// version from a surviving member (REPLICATE_CMD). Replacements wait in
// FileRecord.Pending until they report REPLICATE_DONE with the committed
// version; pending copies that fail or exceed ReplicationTimeout are dropped
// and planned again on the next scan.
//
// # Writes
//
// A user resolves WRITE, writes version+1 to the live members and reports the
// outcome with COMMIT. A majority of the replica set commits the version;
// members that missed it are repaired from an acknowledging peer. Without a
// majority the version is unchanged and the members that applied the write
// are repaired back (or told to drop a never-committed file). The COMMIT
// reply says whether the write committed; the user reports success only then.
//
// A write whose COMMIT never arrives is closed after CommitTimeout. Disks
// report the versions they hold in their heartbeats, a few files at a time,
// so copies such a write left behind are found: a next version held by a
// majority of the replica set is adopted, anything else is repaired back.
//
// # Configuration
//
//	ReplicationFactor   3     copies per file
//	HeartbeatInterval   1s    handed to disks on JOIN
//	HeartbeatTimeout    3s    ALIVE -> SUSPECT
//	SuspectTimeout      3s    SUSPECT -> DEAD
//	DeadGrace           30s   DEAD record kept to absorb late messages
//	ScanInterval        1s    timeout scan period
//	ReplicationTimeout  10s   pending copy lifetime
//	CommitTimeout       30s   open write lifetime
package manager
