package services

import (
	"context"
	"sort"
	"sync"

	"reflex-pvp/internal/models"
)

// MemoryOrderedSetStore is a single-process OrderedSetStore with Redis ordering
// semantics: ascending score, ties broken by member.
type MemoryOrderedSetStore struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
}

func NewMemoryOrderedSetStore() *MemoryOrderedSetStore {
	return &MemoryOrderedSetStore{sets: make(map[string]map[string]float64)}
}

func (s *MemoryOrderedSetStore) Add(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]float64)
		s.sets[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemoryOrderedSetStore) Remove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryOrderedSetStore) RangeByRank(_ context.Context, key string, start, stop int64) ([]models.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sorted(key)
	n := int64(len(sorted))
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []models.ScoredMember{}, nil
	}
	return sorted[start : stop+1], nil
}

func (s *MemoryOrderedSetStore) RangeByMaxScore(_ context.Context, key string, max float64) ([]models.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScoredMember
	for _, m := range s.sorted(key) {
		if m.Score > max {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryOrderedSetStore) Card(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemoryOrderedSetStore) sorted(key string) []models.ScoredMember {
	set := s.sets[key]
	out := make([]models.ScoredMember, 0, len(set))
	for member, score := range set {
		out = append(out, models.ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}
