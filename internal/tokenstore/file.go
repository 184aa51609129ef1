package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// fileFormat is the on-disk layout: a salt for key derivation and one
// AES-256-GCM ciphertext per record key. Token material never touches the
// disk in plaintext.
type fileFormat struct {
	Salt    []byte            `json:"salt"`
	Records map[string][]byte `json:"records"` // "agent\x00provider" -> sealed Record JSON
}

// FileStore persists token records to a single encrypted file. All
// mutations rewrite the file atomically (temp file + rename) with 0600
// permissions.
type FileStore struct {
	mu   sync.RWMutex
	path string
	box  *box

	// records caches decrypted state; the file is the durable copy.
	records map[Key]*Record

	stopSweep chan struct{}
	stopOnce  sync.Once
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or creates) the encrypted token file at path using
// the given master key.
func NewFileStore(path, masterKey string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token store path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}

	s := &FileStore{
		path:      path,
		records:   make(map[Key]*Record),
		stopSweep: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.box, err = newBox(masterKey, nil)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read token store: %w", err)
	default:
		var format fileFormat
		if err := json.Unmarshal(data, &format); err != nil {
			return nil, fmt.Errorf("token store file is malformed: %w", err)
		}
		s.box, err = newBox(masterKey, format.Salt)
		if err != nil {
			return nil, err
		}
		for _, sealed := range format.Records {
			plaintext, err := s.box.open(sealed)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt token record: %w", err)
			}
			var record Record
			if err := json.Unmarshal(plaintext, &record); err != nil {
				return nil, fmt.Errorf("token record is malformed: %w", err)
			}
			s.records[record.Key()] = &record
		}
		logging.Debug("TokenStore", "Loaded %d token records from %s", len(s.records), path)
	}

	go s.sweepLoop()
	return s, nil
}

// Get returns a copy of the record, or false if absent or expired beyond
// refresh.
func (s *FileStore) Get(agentID, provider string) (*Record, bool) {
	s.mu.RLock()
	record, ok := s.records[Key{AgentID: agentID, Provider: provider}]
	s.mu.RUnlock()

	if !ok || !record.usable() {
		return nil, false
	}
	return record.Clone(), true
}

// Put stores the record and rewrites the encrypted file.
func (s *FileStore) Put(record *Record) error {
	clone := record.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[clone.Key()] = clone
	if err := s.persistLocked(); err != nil {
		delete(s.records, clone.Key())
		return err
	}

	logging.Debug("TokenStore", "Stored token for agent=%s provider=%s (expires %s)",
		record.AgentID, record.Provider, record.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Delete removes the record for the key.
func (s *FileStore) Delete(agentID, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{AgentID: agentID, Provider: provider}
	if _, ok := s.records[key]; !ok {
		return
	}
	delete(s.records, key)
	if err := s.persistLocked(); err != nil {
		logging.Error("TokenStore", err, "Failed to persist after delete")
	}
}

// DeleteByAgent removes all records for an agent.
func (s *FileStore) DeleteByAgent(agentID string) int {
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
		if err := s.persistLocked(); err != nil {
			logging.Error("TokenStore", err, "Failed to persist after delete")
		}
	}
	return count
}

// Close stops the background sweep.
func (s *FileStore) Close() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
}

// persistLocked seals every record and atomically replaces the file.
// Caller must hold the write lock.
func (s *FileStore) persistLocked() error {
	format := fileFormat{
		Salt:    s.box.salt,
		Records: make(map[string][]byte, len(s.records)),
	}

	for key, record := range s.records {
		plaintext, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal token record: %w", err)
		}
		sealed, err := s.box.seal(plaintext)
		if err != nil {
			return err
		}
		format.Records[key.AgentID+"\x00"+key.Provider] = sealed
	}

	data, err := json.Marshal(format)
	if err != nil {
		return fmt.Errorf("failed to marshal token store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace token store: %w", err)
	}
	return nil
}

func (s *FileStore) sweepLoop() {
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

func (s *FileStore) sweep() {
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
		if err := s.persistLocked(); err != nil {
			logging.Error("TokenStore", err, "Failed to persist after sweep")
		}
		logging.Debug("TokenStore", "Swept %d expired tokens", count)
	}
}
