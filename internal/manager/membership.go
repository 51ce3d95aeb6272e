package manager

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicafs/internal/cluster"
)

// DiskStatus is the liveness state of one disk incarnation.
type DiskStatus string

const (
	StatusJoining DiskStatus = "JOINING" // registered, no heartbeat yet
	StatusAlive   DiskStatus = "ALIVE"   // heartbeating within heartbeatTimeout
	StatusSuspect DiskStatus = "SUSPECT" // missed heartbeatTimeout, may recover
	StatusDead    DiskStatus = "DEAD"    // terminal for this incarnation
)

// allowedTransitions is the complete disk state machine. Anything not listed
// is refused, in particular ALIVE -> DEAD: a disk always passes through
// SUSPECT first.
var allowedTransitions = map[DiskStatus][]DiskStatus{
	StatusJoining: {StatusAlive, StatusSuspect},
	StatusAlive:   {StatusSuspect},
	StatusSuspect: {StatusAlive, StatusDead},
}

// CanTransition reports whether a disk may move from one status to another.
func CanTransition(from, to DiskStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// diskIDPattern is the registration rule for disk names: letters, digits,
// '-' and '_', at most 15 characters.
var diskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,15}$`)

// DiskRecord is the manager's view of one disk incarnation.
type DiskRecord struct {
	LastHeartbeat time.Time           // Most recent heartbeat (join time until the first one)
	StatusSince   time.Time           // When Status was entered
	Address       cluster.DiskAddress // Control and data endpoints
	ID            string              // Logical disk name, unique in the cluster
	Incarnation   string              // Minted on every JOIN
	Status        DiskStatus          // Liveness state
	CapacityUsed  int64               // Bytes stored, from heartbeats
	CapacityTotal int64               // Bytes available in total
	Load          int                 // Replicas hosted or being copied in (snapshots only)
	Reads         uint64              // Reads handed to this disk by Resolve
}

// Available returns the free capacity used to rank placement candidates.
func (d *DiskRecord) Available() int64 {
	return d.CapacityTotal - d.CapacityUsed
}

func (d *DiskRecord) replica() cluster.Replica {
	return cluster.Replica{DiskID: d.ID, Address: d.Address}
}

func (d *DiskRecord) fields() log.Fields {
	return log.Fields{"disk": d.ID, "incarnation": d.Incarnation}
}

// setStatus applies a transition if the state machine allows it.
func (s *State) setStatus(d *DiskRecord, to DiskStatus, now time.Time) bool {
	if !CanTransition(d.Status, to) {
		log.WithFields(d.fields()).Warnf("refusing transition %s -> %s", d.Status, to)
		return false
	}
	log.WithFields(d.fields()).Infof("disk %s: %s -> %s", d.ID, d.Status, to)
	d.Status = to
	d.StatusSince = now
	return true
}

// current returns the live record for id if incarnation matches it.
func (s *State) current(id, incarnation string) (*DiskRecord, error) {
	d, ok := s.disks[id]
	if !ok || d.Status == StatusDead || d.Incarnation != incarnation {
		return nil, fmt.Errorf("%s (incarnation %q): %w", id, incarnation, cluster.ErrUnknownDisk)
	}
	return d, nil
}

// Join registers a disk. A JOIN for an id whose previous incarnation is still
// live retires that incarnation first, so the new record starts clean.
func (s *State) Join(now time.Time, req cluster.JoinRequest) (cluster.JoinReply, []Action, error) {
	if !diskIDPattern.MatchString(req.DiskID) {
		return cluster.JoinReply{}, nil, fmt.Errorf("%w: disk id %q must be 1-15 letters, digits, '-' or '_'", cluster.ErrInvalidRequest, req.DiskID)
	}
	addr := req.Address
	if addr.Host == "" || addr.ControlPort <= 0 || addr.DataPort <= 0 || addr.ControlPort == addr.DataPort {
		return cluster.JoinReply{}, nil, fmt.Errorf("%w: disk %s has invalid address %+v", cluster.ErrInvalidRequest, req.DiskID, addr)
	}
	for _, other := range s.disks {
		if other.ID == req.DiskID || other.Status == StatusDead || other.Address.Host != addr.Host {
			continue
		}
		used := []int{other.Address.ControlPort, other.Address.DataPort}
		if slices.Contains(used, addr.ControlPort) || slices.Contains(used, addr.DataPort) {
			return cluster.JoinReply{}, nil, fmt.Errorf("%w: ports of disk %s conflict with disk %s", cluster.ErrInvalidRequest, req.DiskID, other.ID)
		}
	}

	var actions []Action
	if old, ok := s.disks[req.DiskID]; ok && old.Status != StatusDead {
		log.WithFields(old.fields()).Infof("disk %s rejoined, retiring previous incarnation", old.ID)
		actions = s.retire(old, now)
	}

	d := &DiskRecord{
		ID:            req.DiskID,
		Incarnation:   uuid.NewString(),
		Address:       addr,
		Status:        StatusJoining,
		LastHeartbeat: now,
		StatusSince:   now,
		CapacityTotal: req.CapacityTotal,
	}
	s.disks[d.ID] = d
	log.WithFields(d.fields()).Infof("disk %s joined at %s/%s", d.ID, addr.Control(), addr.Data())

	reply := cluster.JoinReply{
		Incarnation:       d.Incarnation,
		ReplicationFactor: s.cfg.ReplicationFactor,
		HeartbeatMillis:   s.cfg.HeartbeatInterval.Milliseconds(),
		Files:             s.hostedBy(d.ID),
	}
	return reply, actions, nil
}

// Leave retires a disk that is shutting down.
func (s *State) Leave(now time.Time, req cluster.LeaveRequest) ([]Action, error) {
	d, err := s.current(req.DiskID, req.Incarnation)
	if err != nil {
		return nil, err
	}
	log.WithFields(d.fields()).Infof("disk %s is leaving", d.ID)
	return s.retire(d, now), nil
}

// Heartbeat refreshes a disk's liveness and capacity. A JOINING or SUSPECT
// disk becomes ALIVE.
func (s *State) Heartbeat(now time.Time, req cluster.HeartbeatRequest) ([]Action, error) {
	d, err := s.current(req.DiskID, req.Incarnation)
	if err != nil {
		return nil, err
	}
	d.LastHeartbeat = now
	d.CapacityUsed = req.CapacityUsed
	if req.CapacityTotal > 0 {
		d.CapacityTotal = req.CapacityTotal
	}
	s.observe(d.ID, req.Stored)
	if d.Status == StatusAlive {
		return nil, nil
	}

	s.setStatus(d, StatusAlive, now)
	// a new ALIVE disk may be the target under-replicated files were waiting for
	var actions []Action
	for _, name := range sortedKeys(s.files) {
		actions = append(actions, s.reconcile(s.files[name], now)...)
	}
	return actions, nil
}

// retire walks a live incarnation to DEAD without skipping SUSPECT and runs
// failure handling.
func (s *State) retire(d *DiskRecord, now time.Time) []Action {
	if d.Status == StatusJoining || d.Status == StatusAlive {
		s.setStatus(d, StatusSuspect, now)
	}
	if !s.setStatus(d, StatusDead, now) {
		return nil
	}
	return s.onFailureDetected(d.ID, now)
}

// Scan advances every disk's state machine against the clock, garbage
// collects long-dead records, expires stuck replications and uncommitted
// writes, and reconciles every file. It is called on each scan tick.
func (s *State) Scan(now time.Time) []Action {
	var actions []Action

	for _, id := range sortedKeys(s.disks) {
		d := s.disks[id]
		switch d.Status {
		case StatusJoining, StatusAlive:
			if now.Sub(d.LastHeartbeat) > s.cfg.HeartbeatTimeout {
				s.setStatus(d, StatusSuspect, now)
			}
		case StatusSuspect:
			if now.Sub(d.StatusSince) > s.cfg.SuspectTimeout {
				s.setStatus(d, StatusDead, now)
				actions = append(actions, s.onFailureDetected(d.ID, now)...)
			}
		case StatusDead:
			if now.Sub(d.StatusSince) > s.cfg.DeadGrace {
				log.WithFields(d.fields()).Infof("forgetting disk %s", d.ID)
				delete(s.disks, id)
			}
		}
	}

	for _, name := range sortedKeys(s.files) {
		f := s.files[name]
		for _, id := range sortedKeys(f.Pending) {
			if now.Sub(f.Pending[id]) > s.cfg.ReplicationTimeout {
				log.WithFields(log.Fields{"file": name, "disk": id}).Warn("replication timed out")
				delete(f.Pending, id)
			}
		}
		actions = append(actions, s.settle(f, now)...)
		actions = append(actions, s.reconcile(f, now)...)
	}
	return actions
}

// onFailureDetected removes a dead disk from every replica set and pending
// copy, then plans replacements for the files that dropped below the
// replication factor.
func (s *State) onFailureDetected(id string, now time.Time) []Action {
	var actions []Action
	for _, name := range sortedKeys(s.files) {
		f := s.files[name]
		_, pending := f.Pending[id]
		idx := slices.Index(f.ReplicaSet, id)
		if idx < 0 && !pending {
			continue
		}
		delete(f.Pending, id)
		if idx >= 0 {
			f.ReplicaSet = slices.Delete(f.ReplicaSet, idx, idx+1)
			log.WithFields(log.Fields{"file": name, "disk": id}).Infof("removed failed disk from replica set, %d left", len(f.ReplicaSet))
		}
		actions = append(actions, s.reconcile(f, now)...)
	}
	return actions
}

// hostedBy lists the files a disk holds or is being given, sorted.
func (s *State) hostedBy(id string) []string {
	names := []string{}
	for _, name := range sortedKeys(s.files) {
		f := s.files[name]
		if _, pending := f.Pending[id]; pending || slices.Contains(f.ReplicaSet, id) {
			names = append(names, name)
		}
	}
	return names
}
