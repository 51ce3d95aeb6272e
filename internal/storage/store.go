package storage

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicafs/internal/cluster"
)

// Replica is the local copy of one file on a disk.
type Replica struct {
	Checksum string // Content digest (cluster.Checksum of Data)
	Data     []byte // File bytes
	Version  uint64 // Version the bytes belong to
}

// Store defines the interface for a disk's replica storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a replica by file name
	// Returns cluster.ErrNotFound if the file isn't stored here
	Get(name string) (Replica, error)

	// Put applies a client write. version must be exactly one above the
	// stored version (0 when absent), otherwise cluster.ErrStaleVersion
	Put(name string, version uint64, data []byte) (Replica, error)

	// Install stores a replica unconditionally (re-replication and repair)
	Install(name string, r Replica) error

	// Delete removes a file
	// No error if the file doesn't exist
	Delete(name string) error

	// List returns all file names in sorted order
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Files int   // Number of files
	Bytes int64 // Total size of all replicas in bytes
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex       // Protects concurrent access
	files map[string]Replica // File name -> replica
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]Replica),
	}
}

// Get retrieves a replica by name
// Returns a copy of the data to prevent external modification
func (m *MemoryStore) Get(name string) (Replica, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.files[name]
	if !exists {
		return Replica{}, fmt.Errorf("%s: %w", name, cluster.ErrNotFound)
	}
	return r.clone(), nil
}

// Put applies a versioned write
// The version check and the write happen under one lock, so two writes of
// the same version can never both succeed
func (m *MemoryStore) Put(name string, version uint64, data []byte) (Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.files[name].Version
	if version != current+1 {
		return Replica{}, fmt.Errorf("%s: have version %d, got %d: %w", name, current, version, cluster.ErrStaleVersion)
	}

	r := Replica{Version: version, Checksum: cluster.Checksum(data), Data: data}.clone()
	m.files[name] = r
	return r.clone(), nil
}

// Install stores a replica regardless of the current version
func (m *MemoryStore) Install(name string, r Replica) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[name] = r.clone()
	return nil
}

// Delete removes a file
// No error if it doesn't exist (idempotent)
func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, name)
	return nil
}

// List returns all file names
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, r := range m.files {
		total += int64(len(r.Data))
	}

	return StoreStats{
		Files: len(m.files),
		Bytes: total,
	}
}

func (r Replica) clone() Replica {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	r.Data = data
	return r
}
