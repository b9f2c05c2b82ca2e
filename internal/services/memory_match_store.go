package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"reflex-pvp/internal/models"
)

// MemoryMatchStore keeps match records in process memory.
// All returned records are copies.
type MemoryMatchStore struct {
	mu      sync.RWMutex
	records map[string]*models.MatchRecord
	byKey   map[string]string
}

func NewMemoryMatchStore() *MemoryMatchStore {
	return &MemoryMatchStore{
		records: make(map[string]*models.MatchRecord),
		byKey:   make(map[string]string),
	}
}

func (s *MemoryMatchStore) InsertMatchIfAbsent(_ context.Context, record *models.MatchRecord, first models.MatchLogEntry) (*models.MatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[record.IdempotencyKey]; ok {
		return s.records[id].Clone(), false, nil
	}

	stored := record.Clone()
	first.MatchID = stored.MatchID
	stored.Logs = append(stored.Logs[:0], first)
	s.records[stored.MatchID] = stored
	s.byKey[stored.IdempotencyKey] = stored.MatchID
	return stored.Clone(), true, nil
}

func (s *MemoryMatchStore) GetMatchByID(_ context.Context, matchID string) (*models.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[matchID].Clone(), nil
}

func (s *MemoryMatchStore) GetMatchByIdempotencyKey(_ context.Context, key string) (*models.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	return s.records[id].Clone(), nil
}

func (s *MemoryMatchStore) UpdateMatch(_ context.Context, matchID string, patch models.MatchPatch, at time.Time) (*models.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[matchID]
	if !ok {
		return nil, nil
	}
	patch.Apply(record)
	record.UpdatedAt = at
	return record.Clone(), nil
}

func (s *MemoryMatchStore) AppendMatchLog(_ context.Context, entry models.MatchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[entry.MatchID]
	if !ok {
		return nil
	}
	record.Logs = append(record.Logs, entry)
	record.UpdatedAt = entry.At
	return nil
}

func (s *MemoryMatchStore) ListStaleMatches(_ context.Context, status models.MatchStatus, before time.Time, limit int) ([]*models.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*models.MatchRecord
	for _, record := range s.records {
		if record.Status == status && record.UpdatedAt.Before(before) {
			stale = append(stale, record.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
