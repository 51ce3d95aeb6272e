// Package cluster defines the vocabulary shared by the manager, disks and
// users: the message envelope, the message types, their payloads and the error
// taxonomy that travels inside replies.
//
// # Envelope
//
// Every datagram is one JSON-encoded Message:
//
//	{
//	  "type":    "PUT",
//	  "seq":     42,
//	  "sender":  "user-1",
//	  "session": "6f1c...",
//	  "reply":   false,
//	  "error":   "",
//	  "payload": {"name": "a.txt", "version": 3, ...}
//	}
//
// A reply repeats the request's seq with reply=true. The reply is the
// acknowledgment; acknowledgments are never acknowledged themselves.
//
// # Message Flow
//
//	User ──RESOLVE──▶ Manager ──RESOLVE_REPLY──▶ User
//	User ──GET/PUT──▶ Disk    ──GET/PUT_REPLY──▶ User
//	User ──COMMIT───▶ Manager ──ACK────────────▶ User
//	Disk ──JOIN/HEARTBEAT/LEAVE──▶ Manager
//	Manager ──REPLICATE_CMD──▶ Disk ──GET──▶ peer Disk
//	Disk ──REPLICATE_DONE──▶ Manager
//
// # Errors
//
// Replies report failures through ErrorCode. Message.Err converts the code
// back to one of the sentinel errors in this package so callers can use
// errors.Is regardless of which process produced the error:
//
//	reply, err := ep.Request(ctx, addr, cluster.TypeGet, req)
//	if err == nil {
//	    err = reply.Err()
//	}
//	if errors.Is(err, cluster.ErrNotFound) {
//	    ...
//	}
//
// Payload data travels as JSON, so []byte fields are base64 encoded and a file
// must fit in a single datagram once encoded.
package cluster
