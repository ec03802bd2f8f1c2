package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FalsePositiveRecord is one user judgement on a stored detection
type FalsePositiveRecord struct {
	Description string    `json:"description"`
	Reason      string    `json:"reason,omitempty"`
	FlaggedAt   time.Time `json:"flagged_at"`
}

// FalsePositiveStore keeps user false-positive judgements in a JSON file
// keyed "{detector_name}_{frame_id}_{take_id}". It survives engine restarts
// independently of the detection rows.
type FalsePositiveStore struct {
	path string

	mu      sync.Mutex
	records map[string][]FalsePositiveRecord
}

// NewFalsePositiveStore loads (or creates) the store at path
func NewFalsePositiveStore(path string) (*FalsePositiveStore, error) {
	s := &FalsePositiveStore{path: path, records: make(map[string][]FalsePositiveRecord)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read false-positive store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse false-positive store: %w", err)
	}
	return s, nil
}

func fpKey(detector string, frameID int, takeID int64) string {
	return fmt.Sprintf("%s_%d_%d", detector, frameID, takeID)
}

// Flag records a false-positive judgement and persists the store
func (s *FalsePositiveStore) Flag(detector string, frameID int, takeID int64, description, reason string) error {
	s.mu.Lock()
	key := fpKey(detector, frameID, takeID)
	s.records[key] = append(s.records[key], FalsePositiveRecord{
		Description: description,
		Reason:      reason,
		FlaggedAt:   time.Now(),
	})
	s.mu.Unlock()
	return s.save()
}

// Unflag removes every judgement matching the description for one key
func (s *FalsePositiveStore) Unflag(detector string, frameID int, takeID int64, description string) error {
	s.mu.Lock()
	key := fpKey(detector, frameID, takeID)
	kept := s.records[key][:0]
	for _, rec := range s.records[key] {
		if rec.Description != description {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(s.records, key)
	} else {
		s.records[key] = kept
	}
	s.mu.Unlock()
	return s.save()
}

// IsFlagged reports whether a detection is marked false positive, with the
// recorded reason if any.
func (s *FalsePositiveStore) IsFlagged(detector string, frameID int, takeID int64, description string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[fpKey(detector, frameID, takeID)] {
		if rec.Description == description {
			return true, rec.Reason
		}
	}
	return false, ""
}

func (s *FalsePositiveStore) save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".fp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
