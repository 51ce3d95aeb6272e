// Package transport implements reliable request/response messaging on top of
// an unreliable, connectionless datagram socket.
//
// # Guarantees
//
//   - A Request either returns the peer's reply (the peer processed it) or
//     fails with cluster.ErrTransportTimeout after a bounded number of
//     transmissions. It never blocks indefinitely.
//   - Each request is handled at most once per receiver while its sequence
//     number is inside the receiver's dedup window, even though it may be
//     delivered many times. Duplicates get the original reply again.
//   - Replies are the acknowledgments and are never acknowledged themselves.
//     A lost reply costs one duplicate request, absorbed by the dedup cache.
//   - No ordering between requests is provided. Upper layers carry versions
//     for any causal check they need.
//
// # Retransmission
//
//	attempt:   1      2      3      4      5
//	wait:    200ms  400ms  800ms  1.6s   2s   → TRANSPORT_TIMEOUT
//
// The schedule comes from Config; the context passed to Request can shorten
// it further, which is how heartbeats stay within one heartbeat interval.
//
// # Concurrency
//
// Serve runs the read loop. Every new inbound request is handled on its own
// goroutine so that a slow handler never delays reply delivery to requests
// this endpoint is itself waiting on. Handlers that need serialization (the
// manager) funnel work into their own single owner.
package transport
