package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// MessageType names the operation carried by a Message.
type MessageType string

const (
	TypeJoin          MessageType = "JOIN"
	TypeLeave         MessageType = "LEAVE"
	TypeHeartbeat     MessageType = "HEARTBEAT"
	TypeHeartbeatAck  MessageType = "HEARTBEAT_ACK"
	TypeResolve       MessageType = "RESOLVE"
	TypeResolveReply  MessageType = "RESOLVE_REPLY"
	TypeGet           MessageType = "GET"
	TypeGetReply      MessageType = "GET_REPLY"
	TypePut           MessageType = "PUT"
	TypePutReply      MessageType = "PUT_REPLY"
	TypeDelete        MessageType = "DELETE"
	TypeDeleteReply   MessageType = "DELETE_REPLY"
	TypeList          MessageType = "LIST"
	TypeListReply     MessageType = "LIST_REPLY"
	TypeReplicateCmd  MessageType = "REPLICATE_CMD"
	TypeReplicateDone MessageType = "REPLICATE_DONE"
	TypeCommit        MessageType = "COMMIT"
	TypeAck           MessageType = "ACK"
)

// ReplyType returns the message type used to answer a request of type t.
// Requests without a dedicated reply type are answered with ACK.
func ReplyType(t MessageType) MessageType {
	switch t {
	case TypeHeartbeat:
		return TypeHeartbeatAck
	case TypeResolve:
		return TypeResolveReply
	case TypeGet:
		return TypeGetReply
	case TypePut:
		return TypePutReply
	case TypeDelete:
		return TypeDeleteReply
	case TypeList:
		return TypeListReply
	default:
		return TypeAck
	}
}

// Message is the envelope every datagram carries.
//
// Requests are numbered by the sending endpoint; a reply repeats the request's
// Seq with Reply set, which is also the acknowledgment of that request.
// Session identifies one endpoint lifetime so that a restarted sender whose
// sequence numbers start over is never mistaken for a duplicate.
type Message struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Sender  string          `json:"sender"`
	Session string          `json:"session,omitempty"`
	Reply   bool            `json:"reply,omitempty"`
	Error   ErrorCode       `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an unnumbered message with payload encoded as JSON.
// A nil payload leaves the payload field empty.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// NewReply builds the answer to req carrying payload.
func NewReply(req *Message, payload any) (*Message, error) {
	msg, err := NewMessage(ReplyType(req.Type), payload)
	if err != nil {
		return nil, err
	}
	msg.Seq = req.Seq
	msg.Reply = true
	return msg, nil
}

// ErrorReply builds a payload-less answer to req that reports err.
func ErrorReply(req *Message, err error) *Message {
	return &Message{
		Type:  ReplyType(req.Type),
		Seq:   req.Seq,
		Reply: true,
		Error: CodeOf(err),
	}
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidRequest, m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidRequest, m.Type, err)
	}
	return nil
}

// Err returns the sentinel error matching the message's error code, or nil.
func (m *Message) Err() error {
	return m.Error.Err()
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a datagram.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message without type")
	}
	return &m, nil
}

// DiskAddress is where a disk listens: one port for manager control traffic and
// one for client data traffic.
type DiskAddress struct {
	Host        string `json:"host"`
	ControlPort int    `json:"control_port"`
	DataPort    int    `json:"data_port"`
}

// Control returns the host:port of the control endpoint.
func (a DiskAddress) Control() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.ControlPort))
}

// Data returns the host:port of the data endpoint.
func (a DiskAddress) Data() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.DataPort))
}

// Intent distinguishes read and write resolution.
type Intent string

const (
	IntentRead  Intent = "READ"
	IntentWrite Intent = "WRITE"
)

// Replica identifies one disk holding a copy of a file.
type Replica struct {
	DiskID  string      `json:"disk_id"`
	Address DiskAddress `json:"address"`
}

type JoinRequest struct {
	DiskID        string      `json:"disk_id"`
	Address       DiskAddress `json:"address"`
	CapacityTotal int64       `json:"capacity_total"`
}

type JoinReply struct {
	Incarnation       string   `json:"incarnation"`
	ReplicationFactor int      `json:"replication_factor"`
	HeartbeatMillis   int64    `json:"heartbeat_ms"`
	Files             []string `json:"files"`
}

type LeaveRequest struct {
	DiskID      string `json:"disk_id"`
	Incarnation string `json:"incarnation"`
}

// HeartbeatRequest carries liveness, capacity and a rotating window of the
// copies the disk holds, so the manager notices versions that were written
// but never committed.
type HeartbeatRequest struct {
	DiskID        string          `json:"disk_id"`
	Incarnation   string          `json:"incarnation"`
	CapacityUsed  int64           `json:"capacity_used"`
	CapacityTotal int64           `json:"capacity_total"`
	Stored        []StoredVersion `json:"stored,omitempty"`
}

// StoredVersion is the version of one file a disk holds.
type StoredVersion struct {
	Name     string `json:"name"`
	Version  uint64 `json:"version"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

type HeartbeatAck struct {
	Status string `json:"status"`
}

type ResolveRequest struct {
	Name    string   `json:"name"`
	Intent  Intent   `json:"intent"`
	Create  bool     `json:"create,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// ResolveReply lists the replicas a client should talk to. For writes,
// Replicas holds every ALIVE member in replica-set order, Primary is the first
// of them, and SetSize is the size of the full replica set the quorum is
// computed against; WriteID names the write in the COMMIT that ends it. For
// reads, Replicas holds exactly one disk.
type ResolveReply struct {
	Name     string    `json:"name"`
	Version  uint64    `json:"version"`
	Checksum string    `json:"checksum,omitempty"`
	Primary  string    `json:"primary,omitempty"`
	Replicas []Replica `json:"replicas"`
	SetSize  int       `json:"set_size"`
	WriteID  string    `json:"write_id,omitempty"`
}

type GetRequest struct {
	Name string `json:"name"`
}

type GetReply struct {
	Name     string `json:"name"`
	Version  uint64 `json:"version"`
	Checksum string `json:"checksum"`
	Data     []byte `json:"data"`
}

type PutRequest struct {
	Name     string `json:"name"`
	Version  uint64 `json:"version"`
	Checksum string `json:"checksum"`
	Data     []byte `json:"data"`
}

type PutReply struct {
	Version uint64 `json:"version"`
}

type DeleteRequest struct {
	Name string `json:"name"`
}

// FileInfo is one LIST entry.
type FileInfo struct {
	Name     string   `json:"name"`
	Version  uint64   `json:"version"`
	Size     int64    `json:"size"`
	Checksum string   `json:"checksum,omitempty"`
	Replicas []string `json:"replicas"`
}

type ListReply struct {
	Files []FileInfo `json:"files"`
}

// ReplicateCommand tells a disk to copy Name at Version from Source.
type ReplicateCommand struct {
	Name     string  `json:"name"`
	Version  uint64  `json:"version"`
	Checksum string  `json:"checksum,omitempty"`
	Source   Replica `json:"source"`
}

type ReplicateDone struct {
	DiskID      string `json:"disk_id"`
	Incarnation string `json:"incarnation"`
	Name        string `json:"name"`
	Version     uint64 `json:"version"`
	Checksum    string `json:"checksum,omitempty"`
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
}

// CommitRequest reports the outcome of a write to the manager. A writer that
// gives up before writing anything still commits, with no acks, to close the
// write.
type CommitRequest struct {
	WriteID  string   `json:"write_id"`
	Name     string   `json:"name"`
	Version  uint64   `json:"version"`
	Checksum string   `json:"checksum"`
	Size     int64    `json:"size"`
	Acked    []string `json:"acked"`
}

// CommitReply is the manager's verdict on a write. The write succeeded only
// if Committed is set; Version is the file's committed version either way.
type CommitReply struct {
	Committed bool   `json:"committed"`
	Version   uint64 `json:"version"`
}

// Checksum returns the content digest stored alongside every replica.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
