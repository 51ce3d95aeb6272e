package disk

import (
	"sync/atomic"

	"github.com/dreamware/replicafs/internal/storage"
)

// OperationStats tracks operation counts
type OperationStats struct {
	Gets                uint64 // GET requests served
	Puts                uint64 // PUT requests applied
	StaleRejections     uint64 // PUT requests rejected with STALE_VERSION
	Deletes             uint64 // DELETE commands applied
	Replications        uint64 // Replicas installed from a peer
	ReplicationFailures uint64 // Copies that could not be completed
}

// Stats combines operation counts with the store's statistics
type Stats struct {
	Ops     OperationStats
	Storage storage.StoreStats
}

func (o *OperationStats) snapshot() OperationStats {
	return OperationStats{
		Gets:                atomic.LoadUint64(&o.Gets),
		Puts:                atomic.LoadUint64(&o.Puts),
		StaleRejections:     atomic.LoadUint64(&o.StaleRejections),
		Deletes:             atomic.LoadUint64(&o.Deletes),
		Replications:        atomic.LoadUint64(&o.Replications),
		ReplicationFailures: atomic.LoadUint64(&o.ReplicationFailures),
	}
}

// Stats returns current node statistics
func (n *Node) Stats() Stats {
	return Stats{
		Ops:     n.ops.snapshot(),
		Storage: n.store.Stats(),
	}
}
