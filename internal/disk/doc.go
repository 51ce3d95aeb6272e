// Package disk implements a storage node.
//
// A disk keeps local replicas in a storage.Store and serves them on two UDP
// endpoints:
//
//	control  manager <-> disk   JOIN, HEARTBEAT, LEAVE, REPLICATE_DONE (sent)
//	                            REPLICATE_CMD, DELETE (served)
//	data     user/peer -> disk  GET, PUT (served); GET of a peer when copying
//
// # Lifecycle
//
//  1. New opens both endpoints.
//  2. Start serves them and JOINs the manager, retrying up to JoinAttempts
//     times JoinRetryDelay apart. The incarnation and heartbeat interval come
//     from the join reply, and local files the reply does not list are dropped.
//  3. A heartbeat goroutine reports stored bytes every interval, along with
//     the versions of the next few stored files. When the manager answers
//     UNKNOWN_DISK the disk joins again as a new incarnation, and the
//     heartbeat interval from the new join reply takes effect.
//  4. Shutdown sends LEAVE and closes; Close stops without telling anyone.
//
// # Writes
//
// PUT is accepted only if the payload matches its checksum and its version is
// exactly one above the stored one; everything else is STALE_VERSION. The
// disk never learns whether a write reached quorum. The manager repairs
// replicas that diverged by ordering a copy.
//
// # Replication
//
// REPLICATE_CMD is acknowledged at once. The copy runs in the background: GET
// from the source disk's data endpoint, verify the checksum, install with
// Store.Install, then report REPLICATE_DONE with the version actually copied.
package disk
