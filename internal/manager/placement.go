package manager

import (
	"cmp"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicafs/internal/cluster"
)

// FileRecord is the authoritative placement of one file.
//
// ReplicaSet holds the disks with a copy of the committed version; its first
// entry is the primary. Pending holds disks that are being copied into the
// set (re-replication or repair) with the time the copy was ordered. A pending
// disk joins ReplicaSet only once it reports the committed version.
//
// Writes holds the writes resolved but not yet committed, by write id. Ahead
// holds disks whose heartbeats report a version above the committed one.
type FileRecord struct {
	Pending    map[string]time.Time
	Writes     map[string]time.Time
	Ahead      map[string]cluster.StoredVersion
	Name       string
	Checksum   string
	ReplicaSet []string
	Version    uint64
	Size       int64
}

// Primary returns the first replica, or "" for an empty set.
func (f *FileRecord) Primary() string {
	if len(f.ReplicaSet) == 0 {
		return ""
	}
	return f.ReplicaSet[0]
}

func (f *FileRecord) clone() FileRecord {
	out := *f
	out.ReplicaSet = slices.Clone(f.ReplicaSet)
	out.Pending = cloneMap(f.Pending)
	out.Writes = cloneMap(f.Writes)
	out.Ahead = cloneMap(f.Ahead)
	return out
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *FileRecord) fields() log.Fields {
	return log.Fields{"file": f.Name, "version": f.Version}
}

// loads counts, per disk, the replicas it holds or is receiving.
func (s *State) loads() map[string]int {
	loads := make(map[string]int, len(s.disks))
	for _, f := range s.files {
		for _, id := range f.ReplicaSet {
			loads[id]++
		}
		for id := range f.Pending {
			loads[id]++
		}
	}
	return loads
}

// selectDisks picks up to n distinct ALIVE disks not in exclude: most
// available capacity first, then lowest load, then lowest id.
func (s *State) selectDisks(n int, exclude []string) []*DiskRecord {
	if n <= 0 {
		return nil
	}
	loads := s.loads()
	var candidates []*DiskRecord
	for _, d := range s.disks {
		if d.Status == StatusAlive && !slices.Contains(exclude, d.ID) {
			candidates = append(candidates, d)
		}
	}
	slices.SortFunc(candidates, func(a, b *DiskRecord) int {
		if c := cmp.Compare(b.Available(), a.Available()); c != 0 {
			return c
		}
		if c := cmp.Compare(loads[a.ID], loads[b.ID]); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (s *State) aliveCount() int {
	n := 0
	for _, d := range s.disks {
		if d.Status == StatusAlive {
			n++
		}
	}
	return n
}

// isAlive reports whether id names an ALIVE disk.
func (s *State) isAlive(id string) bool {
	d, ok := s.disks[id]
	return ok && d.Status == StatusAlive
}

// CreateFile allocates a replica set for name, or returns the existing record.
// With fewer ALIVE disks than the replication factor a smaller set is
// allocated as long as a quorum of the factor is alive; reconciliation grows
// it later.
func (s *State) CreateFile(name string) (*FileRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty file name", cluster.ErrInvalidRequest)
	}
	if f, ok := s.files[name]; ok {
		return f, nil
	}

	rf := s.cfg.ReplicationFactor
	alive := s.aliveCount()
	if alive < Quorum(rf) {
		return nil, fmt.Errorf("%w: %d alive disks, need %d to create %s", cluster.ErrUnavailable, alive, Quorum(rf), name)
	}

	f := &FileRecord{
		Name:    name,
		Pending: make(map[string]time.Time),
		Writes:  make(map[string]time.Time),
		Ahead:   make(map[string]cluster.StoredVersion),
	}
	for _, d := range s.selectDisks(rf, nil) {
		f.ReplicaSet = append(f.ReplicaSet, d.ID)
	}
	s.files[name] = f
	log.WithFields(f.fields()).Infof("created %s on %v", name, f.ReplicaSet)
	return f, nil
}

// Resolve answers which disks a client should contact.
//
// READ returns the single ALIVE replica with the fewest reads handed out so
// far (replica-set order breaks ties), skipping req.Exclude. WRITE returns
// every ALIVE member in replica-set order; the client writes the first one
// before the rest and ends the write with a COMMIT naming the returned write
// id.
func (s *State) Resolve(now time.Time, req cluster.ResolveRequest) (cluster.ResolveReply, error) {
	f, ok := s.files[req.Name]
	if !ok && req.Intent == cluster.IntentWrite && req.Create {
		var err error
		if f, err = s.CreateFile(req.Name); err != nil {
			return cluster.ResolveReply{}, err
		}
		ok = true
	}
	if !ok || (req.Intent == cluster.IntentRead && f.Version == 0) {
		return cluster.ResolveReply{}, fmt.Errorf("%s: %w", req.Name, cluster.ErrNotFound)
	}

	reply := cluster.ResolveReply{
		Name:     f.Name,
		Version:  f.Version,
		Checksum: f.Checksum,
		SetSize:  len(f.ReplicaSet),
	}

	switch req.Intent {
	case cluster.IntentRead:
		var best *DiskRecord
		for _, id := range f.ReplicaSet {
			if !s.isAlive(id) || slices.Contains(req.Exclude, id) {
				continue
			}
			if d := s.disks[id]; best == nil || d.Reads < best.Reads {
				best = d
			}
		}
		if best == nil {
			return cluster.ResolveReply{}, fmt.Errorf("%s: no live replica: %w", req.Name, cluster.ErrUnavailable)
		}
		best.Reads++
		reply.Primary = best.ID
		reply.Replicas = []cluster.Replica{best.replica()}

	case cluster.IntentWrite:
		for _, id := range f.ReplicaSet {
			if s.isAlive(id) && !slices.Contains(req.Exclude, id) {
				reply.Replicas = append(reply.Replicas, s.disks[id].replica())
			}
		}
		if len(reply.Replicas) == 0 {
			return cluster.ResolveReply{}, fmt.Errorf("%s: no live replica: %w", req.Name, cluster.ErrUnavailable)
		}
		reply.Primary = reply.Replicas[0].DiskID
		reply.WriteID = uuid.NewString()
		f.Writes[reply.WriteID] = now

	default:
		return cluster.ResolveReply{}, fmt.Errorf("%w: intent %q", cluster.ErrInvalidRequest, req.Intent)
	}
	return reply, nil
}

// Commit records the outcome of the write req.WriteID of req.Version.
//
// With a majority of the replica set acknowledging, the version, checksum and
// size advance and members that missed the write leave the set to be repaired
// from an acknowledging peer. Without a majority the version stays where it
// was and the members that did apply the write are repaired back to it (or
// told to drop the file if no version was ever committed). A write that is no
// longer open, because it timed out, fails with cluster.ErrWriteFailed. The
// returned bool reports whether the write committed.
func (s *State) Commit(now time.Time, req cluster.CommitRequest) (bool, []Action, error) {
	f, ok := s.files[req.Name]
	if !ok {
		return false, nil, fmt.Errorf("%s: %w", req.Name, cluster.ErrNotFound)
	}
	_, open := f.Writes[req.WriteID]
	delete(f.Writes, req.WriteID)

	if req.Version > 0 && req.Version == f.Version && req.Checksum == f.Checksum && len(req.Acked) > 0 {
		// adopted from the disks' reports before the COMMIT arrived
		return true, nil, nil
	}
	if req.Version != f.Version+1 {
		return false, nil, fmt.Errorf("%s: committed version %d, got %d: %w", req.Name, f.Version, req.Version, cluster.ErrStaleVersion)
	}
	if !open {
		return false, nil, fmt.Errorf("%s v%d: write %q is not open: %w", req.Name, req.Version, req.WriteID, cluster.ErrWriteFailed)
	}
	if len(req.Acked) == 0 {
		log.WithFields(f.fields()).Debugf("write %s of %s abandoned", req.WriteID, f.Name)
		return false, nil, nil
	}

	var acked, missed []string
	for _, id := range f.ReplicaSet {
		if slices.Contains(req.Acked, id) {
			acked = append(acked, id)
		} else {
			missed = append(missed, id)
		}
	}

	if len(acked) >= Quorum(len(f.ReplicaSet)) {
		return true, s.advance(f, req.Version, req.Checksum, req.Size, acked, now), nil
	}

	log.WithFields(f.fields()).Warnf("write of %s v%d reached %d of %d replicas, keeping v%d", f.Name, req.Version, len(acked), len(f.ReplicaSet), f.Version)
	for _, id := range acked {
		delete(f.Ahead, id)
	}
	var actions []Action
	if f.Version == 0 {
		for _, id := range acked {
			if d, ok := s.disks[id]; ok {
				actions = append(actions, Action{Kind: ActionDelete, Target: d.replica(), File: f.Name})
			}
		}
		return false, actions, nil
	}

	source := s.firstAlive(missed)
	if source == nil {
		log.WithFields(f.fields()).Errorf("no replica of %s v%d left to repair %v from", f.Name, f.Version, acked)
		return false, nil, nil
	}
	for _, id := range acked {
		f.ReplicaSet = slices.DeleteFunc(f.ReplicaSet, func(m string) bool { return m == id })
		if s.isAlive(id) {
			actions = append(actions, s.orderCopy(f, s.disks[id], source, now))
		}
	}
	return false, append(actions, s.reconcile(f, now)...), nil
}

// advance commits version on the members in acked, which must be in
// replica-set order. The other members leave the set and are repaired from an
// acknowledging peer.
func (s *State) advance(f *FileRecord, version uint64, checksum string, size int64, acked []string, now time.Time) []Action {
	var missed []string
	for _, id := range f.ReplicaSet {
		if !slices.Contains(acked, id) {
			missed = append(missed, id)
		}
	}

	f.Version = version
	f.Checksum = checksum
	f.Size = size
	f.ReplicaSet = slices.Clone(acked)
	for id, sv := range f.Ahead {
		if sv.Version <= version {
			delete(f.Ahead, id)
		}
	}
	log.WithFields(f.fields()).Infof("committed %s v%d on %v", f.Name, f.Version, acked)

	source := s.firstAlive(acked)
	var actions []Action
	for _, id := range missed {
		if source == nil || !s.isAlive(id) {
			log.WithFields(f.fields()).Infof("dropping %s from replica set, it missed v%d", id, f.Version)
			continue
		}
		actions = append(actions, s.orderCopy(f, s.disks[id], source, now))
	}
	return append(actions, s.reconcile(f, now)...)
}

// observe notes the versions a disk reports holding. Copies ahead of the
// committed version are settled by the scan.
func (s *State) observe(id string, stored []cluster.StoredVersion) {
	for _, sv := range stored {
		f, ok := s.files[sv.Name]
		if !ok {
			continue
		}
		if sv.Version > f.Version {
			f.Ahead[id] = sv
		} else {
			delete(f.Ahead, id)
		}
	}
}

// settle expires writes whose COMMIT never came and then deals with the
// copies they left ahead of the committed version. A next version held with
// the same checksum by a majority of the replica set is adopted as if it had
// been committed. Any other uncommitted copy is repaired back to the committed
// version, or dropped if nothing was ever committed. Nothing is settled while
// a write of the file is open.
func (s *State) settle(f *FileRecord, now time.Time) []Action {
	for id, opened := range f.Writes {
		if now.Sub(opened) > s.cfg.CommitTimeout {
			log.WithFields(f.fields()).Warnf("write %s of %s was never committed", id, f.Name)
			delete(f.Writes, id)
		}
	}
	if len(f.Writes) > 0 {
		return nil
	}
	for id := range f.Ahead {
		if _, pending := f.Pending[id]; pending || !s.isAlive(id) {
			delete(f.Ahead, id)
		}
	}
	if len(f.Ahead) == 0 {
		return nil
	}

	next := f.Version + 1
	holders := make(map[string][]string)
	for _, id := range f.ReplicaSet {
		if sv, ok := f.Ahead[id]; ok && sv.Version == next {
			holders[sv.Checksum] = append(holders[sv.Checksum], id)
		}
	}
	for _, id := range f.ReplicaSet {
		sv, ok := f.Ahead[id]
		if !ok || sv.Version != next {
			continue
		}
		if ids := holders[sv.Checksum]; len(ids) >= Quorum(len(f.ReplicaSet)) {
			log.WithFields(f.fields()).Warnf("adopting uncommitted %s v%d held by %v", f.Name, next, ids)
			return s.advance(f, next, sv.Checksum, sv.Size, ids, now)
		}
	}

	var source *DiskRecord
	for _, id := range f.ReplicaSet {
		if _, ahead := f.Ahead[id]; !ahead && s.isAlive(id) {
			source = s.disks[id]
			break
		}
	}

	var actions []Action
	for _, id := range sortedKeys(f.Ahead) {
		sv := f.Ahead[id]
		delete(f.Ahead, id)
		d := s.disks[id]
		switch {
		case f.Version == 0 || !slices.Contains(f.ReplicaSet, id):
			log.WithFields(f.fields()).Warnf("dropping uncommitted %s v%d on %s", f.Name, sv.Version, id)
			actions = append(actions, Action{Kind: ActionDelete, Target: d.replica(), File: f.Name})
		case source == nil:
			log.WithFields(f.fields()).Errorf("no committed copy of %s v%d to repair %s from", f.Name, f.Version, id)
		default:
			f.ReplicaSet = slices.DeleteFunc(f.ReplicaSet, func(m string) bool { return m == id })
			actions = append(actions, s.orderCopy(f, d, source, now))
		}
	}
	return actions
}

func (s *State) firstAlive(ids []string) *DiskRecord {
	for _, id := range ids {
		if s.isAlive(id) {
			return s.disks[id]
		}
	}
	return nil
}

// orderCopy marks target pending and returns the command copying the
// committed version from source.
func (s *State) orderCopy(f *FileRecord, target, source *DiskRecord, now time.Time) Action {
	f.Pending[target.ID] = now
	a := Action{
		Ordered:  now,
		Kind:     ActionReplicate,
		Target:   target.replica(),
		Source:   source.replica(),
		File:     f.Name,
		Version:  f.Version,
		Checksum: f.Checksum,
	}
	log.WithFields(f.fields()).Info(a.String())
	return a
}

// reconcile tops a file's replica set back up to the replication factor,
// counting copies already in flight. A file with no committed version has no
// bytes to copy, so new members are added directly.
func (s *State) reconcile(f *FileRecord, now time.Time) []Action {
	need := s.cfg.ReplicationFactor - len(f.ReplicaSet) - len(f.Pending)
	if need <= 0 {
		return nil
	}

	exclude := slices.Clone(f.ReplicaSet)
	for id := range f.Pending {
		exclude = append(exclude, id)
	}
	targets := s.selectDisks(need, exclude)
	if len(targets) == 0 {
		return nil
	}

	if f.Version == 0 {
		for _, d := range targets {
			f.ReplicaSet = append(f.ReplicaSet, d.ID)
		}
		return nil
	}

	source := s.firstAlive(f.ReplicaSet)
	if source == nil {
		log.WithFields(f.fields()).Warnf("%s is under-replicated with no live replica to copy from", f.Name)
		return nil
	}
	actions := make([]Action, 0, len(targets))
	for _, d := range targets {
		actions = append(actions, s.orderCopy(f, d, source, now))
	}
	return actions
}

// ReplicateDone handles a disk's report on a copy it was ordered to make.
// A copy of the committed version moves the disk into the replica set; a copy
// of an older version (a write committed meanwhile) is ordered again.
func (s *State) ReplicateDone(now time.Time, req cluster.ReplicateDone) ([]Action, error) {
	d, err := s.current(req.DiskID, req.Incarnation)
	if err != nil {
		return nil, err
	}
	f, ok := s.files[req.Name]
	if !ok {
		// deleted while copying
		return []Action{{Kind: ActionDelete, Target: d.replica(), File: req.Name}}, nil
	}
	if _, pending := f.Pending[d.ID]; !pending {
		log.WithFields(f.fields()).Debugf("ignoring replication report from %s, not pending", d.ID)
		return nil, nil
	}

	if !req.OK || req.Version > f.Version {
		log.WithFields(f.fields()).Warnf("replication of %s to %s failed: %s", f.Name, d.ID, req.Reason)
		delete(f.Pending, d.ID)
		return nil, nil
	}

	if req.Version < f.Version || (f.Checksum != "" && req.Checksum != f.Checksum) {
		source := s.firstAlive(f.ReplicaSet)
		if source == nil {
			delete(f.Pending, d.ID)
			return nil, nil
		}
		return []Action{s.orderCopy(f, d, source, now)}, nil
	}

	delete(f.Pending, d.ID)
	delete(f.Ahead, d.ID)
	f.ReplicaSet = append(f.ReplicaSet, d.ID)
	log.WithFields(f.fields()).Infof("%s now holds %s, replica set %v", d.ID, f.Name, f.ReplicaSet)
	return nil, nil
}

// ReplicationFailed drops a pending copy whose command, ordered at ordered,
// could not be delivered. A newer order for the same disk is left alone. The
// next scan plans a new one.
func (s *State) ReplicationFailed(diskID, name string, ordered time.Time) {
	f, ok := s.files[name]
	if !ok {
		return
	}
	if at, pending := f.Pending[diskID]; pending && at.Equal(ordered) {
		delete(f.Pending, diskID)
	}
}

// Delete removes a file record and returns best-effort DELETE commands for
// every disk that holds or is receiving a copy.
func (s *State) Delete(name string) ([]Action, error) {
	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, cluster.ErrNotFound)
	}
	delete(s.files, name)

	holders := slices.Clone(f.ReplicaSet)
	for _, id := range sortedKeys(f.Pending) {
		holders = append(holders, id)
	}
	var actions []Action
	for _, id := range holders {
		if d, ok := s.disks[id]; ok && d.Status != StatusDead {
			actions = append(actions, Action{Kind: ActionDelete, Target: d.replica(), File: name})
		}
	}
	log.WithFields(f.fields()).Infof("deleted %s", name)
	return actions, nil
}

// List returns every file with a committed version, sorted by name.
func (s *State) List() []cluster.FileInfo {
	files := []cluster.FileInfo{}
	for _, name := range sortedKeys(s.files) {
		f := s.files[name]
		if f.Version == 0 {
			continue
		}
		files = append(files, cluster.FileInfo{
			Name:     f.Name,
			Version:  f.Version,
			Size:     f.Size,
			Checksum: f.Checksum,
			Replicas: slices.Clone(f.ReplicaSet),
		})
	}
	return files
}
