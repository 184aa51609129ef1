package tokenstore

import (
	"sync"
	"time"

	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// sweepInterval is how often expired, unrefreshable records are purged.
const sweepInterval = 5 * time.Minute

// MemoryStore keeps token records in process memory. Records are copied on
// the way in and out, so a write replaces the whole record atomically and
// readers never observe partial state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record

	stopSweep chan struct{}
	stopOnce  sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory token store with a background sweep
// of expired records.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records:   make(map[Key]*Record),
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get returns a copy of the record, or false if absent or expired beyond
// refresh.
func (s *MemoryStore) Get(agentID, provider string) (*Record, bool) {
	s.mu.RLock()
	record, ok := s.records[Key{AgentID: agentID, Provider: provider}]
	s.mu.RUnlock()

	if !ok || !record.usable() {
		return nil, false
	}
	return record.Clone(), true
}

// Put stores a copy of the record, replacing any previous one for its key.
func (s *MemoryStore) Put(record *Record) error {
	clone := record.Clone()

	s.mu.Lock()
	s.records[clone.Key()] = clone
	s.mu.Unlock()

	logging.Debug("TokenStore", "Stored token for agent=%s provider=%s (expires %s)",
		record.AgentID, record.Provider, record.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Delete removes the record for the key.
func (s *MemoryStore) Delete(agentID, provider string) {
	s.mu.Lock()
	delete(s.records, Key{AgentID: agentID, Provider: provider})
	s.mu.Unlock()

	logging.Debug("TokenStore", "Deleted token for agent=%s provider=%s", agentID, provider)
}

// DeleteByAgent removes all records for an agent.
func (s *MemoryStore) DeleteByAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.records {
		if key.AgentID == agentID {
			delete(s.records, key)
			count++
		}
	}
	if count > 0 {
		logging.Debug("TokenStore", "Deleted %d tokens for agent=%s", count, agentID)
	}
	return count
}

// Count returns the number of stored records.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, record := range s.records {
		if !record.usable() {
			delete(s.records, key)
			count++
		}
	}
	if count > 0 {
		logging.Debug("TokenStore", "Swept %d expired tokens", count)
	}
}
