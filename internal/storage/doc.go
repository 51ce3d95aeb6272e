// Package storage holds a disk node's local replicas.
//
// A disk stores, per file name, the bytes of the newest version it has
// applied together with that version number and the content checksum. It does
// not know which other disks hold the file; placement is owned by the manager.
//
// # Versioned Writes
//
// Client writes go through Put, which enforces that versions are applied in
// order one step at a time:
//
//	stored version   incoming version   result
//	      0                 1           applied
//	      3                 4           applied
//	      3                 3           ErrStaleVersion (duplicate)
//	      3                 5           ErrStaleVersion (gap)
//	      4                 3           ErrStaleVersion (out of order)
//
// The transport's dedup cache already absorbs retransmissions; this check is
// what still holds once a retried write arrives after the cache has forgotten
// the original.
//
// Re-replication and repair bypass the check through Install, because the
// manager is then deliberately overwriting the local copy with a peer's.
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by sync.RWMutex. Data is
// copied on the way in and out so callers can never alias stored bytes.
// Nothing survives a restart; a restarted disk rejoins as a fresh replica and
// is refilled by re-replication.
package storage
