package session

import (
	"sort"
	"sync"
)

// Store is a read view of the session model. The coordinator is its only
// writer; HTTP handlers and new viewers read copies from it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	teams    map[string]*Team
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		teams:    make(map[string]*Team),
	}
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every session ordered by start time, then id.
func (s *Store) GetAll() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) Update(state *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.ID] = state.Clone()
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) Team(id string) (*Team, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (s *Store) Teams() []*Team {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Team, 0, len(s.teams))
	for _, t := range s.teams {
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) UpdateTeam(t *Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t.Clone()
}

func (s *Store) RemoveTeam(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.teams, id)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.IsTerminal() {
			count++
		}
	}
	return count
}

// CountByStatus returns the number of sessions in each status.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, st := range s.sessions {
		counts[st.Status]++
	}
	return counts
}
