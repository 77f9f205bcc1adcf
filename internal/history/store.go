// Package history keeps an append-only, per-handle log of applied
// mutations together with the inverse payloads needed to undo them.
// Logs share their handle's lifetime: the handle service's eviction hook
// drops them when the handle expires.
package history

import (
	"sync"

	"github.com/steveyegge/handlebar/internal/types"
)

// Store maps handle ids to their mutation logs. Each log has its own
// mutex; SequenceNo is allocated monotonically under that lock, so records
// for a given (handle, index) pair are totally ordered.
type Store struct {
	mu   sync.Mutex
	logs map[string]*handleLog
}

type handleLog struct {
	mu      sync.Mutex
	nextSeq int64
	records []types.OperationRecord
}

// NewStore builds an empty history store.
func NewStore() *Store {
	return &Store{logs: make(map[string]*handleLog)}
}

func (s *Store) logFor(handleID string) *handleLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[handleID]
	if !ok {
		l = &handleLog{nextSeq: 1}
		s.logs[handleID] = l
	}
	return l
}

// Append stamps the record with the next sequence number and appends it.
// Returns the assigned sequence number.
func (s *Store) Append(rec types.OperationRecord) int64 {
	l := s.logFor(rec.HandleID)
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.SequenceNo = l.nextSeq
	l.nextSeq++
	l.records = append(l.records, rec)
	return rec.SequenceNo
}

// Records returns a copy of the handle's log in append order.
func (s *Store) Records(handleID string) []types.OperationRecord {
	s.mu.Lock()
	l, ok := s.logs[handleID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.OperationRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Drop discards the handle's log. Wired to the handle service's eviction
// hook.
func (s *Store) Drop(handleID string) {
	s.mu.Lock()
	delete(s.logs, handleID)
	s.mu.Unlock()
}

// Clear discards every log. Test affordance.
func (s *Store) Clear() {
	s.mu.Lock()
	s.logs = make(map[string]*handleLog)
	s.mu.Unlock()
}
