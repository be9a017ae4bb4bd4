package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("new store ActiveCount() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	st, ok := s.Get("nonexistent")
	if ok || st != nil {
		t.Error("Get for missing key returned a session")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(&Session{ID: "a", Label: "original", Events: []LogEntry{{Kind: "start"}}})

	st, _ := s.Get("a")
	st.Label = "mutated"
	st.Events[0].Kind = "mutated"

	again, _ := s.Get("a")
	if again.Label != "original" || again.Events[0].Kind != "start" {
		t.Errorf("store state changed through a copy: %+v", again)
	}
}

func TestUpdateStoresCopy(t *testing.T) {
	s := NewStore()
	in := &Session{ID: "a", Status: Idle}
	s.Update(in)
	in.Status = Working

	st, _ := s.Get("a")
	if st.Status != Idle {
		t.Errorf("status = %v, want idle", st.Status)
	}
}

func TestGetAllOrdering(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Update(&Session{ID: "c", StartedAt: base.Add(time.Minute)})
	s.Update(&Session{ID: "b", StartedAt: base})
	s.Update(&Session{ID: "a", StartedAt: base})

	all := s.GetAll()
	var ids string
	for _, st := range all {
		ids += st.ID
	}
	if ids != "abc" {
		t.Errorf("order = %q, want %q", ids, "abc")
	}
}

func TestActiveCountAndCounts(t *testing.T) {
	s := NewStore()
	s.Update(&Session{ID: "a", Status: Working})
	s.Update(&Session{ID: "b", Status: Working})
	s.Update(&Session{ID: "c", Status: Ended})

	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
	counts := s.CountByStatus()
	if counts[Working] != 2 || counts[Ended] != 1 {
		t.Errorf("counts = %v", counts)
	}

	s.Remove("a")
	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount after Remove = %d, want 1", got)
	}
}

func TestTeams(t *testing.T) {
	s := NewStore()
	s.UpdateTeam(&Team{ID: "t2", ParentSessionID: "p"})
	s.UpdateTeam(&Team{ID: "t1", ParentSessionID: "q"})

	teams := s.Teams()
	if len(teams) != 2 || teams[0].ID != "t1" {
		t.Fatalf("Teams = %+v", teams)
	}
	s.RemoveTeam("t1")
	if _, ok := s.Team("t1"); ok {
		t.Error("team t1 still present")
	}
	if tm, ok := s.Team("t2"); !ok || tm.ParentSessionID != "p" {
		t.Errorf("Team(t2) = %+v, %v", tm, ok)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("s%d-%d", n, j%5)
				s.Update(&Session{ID: id, Status: Working})
				s.GetAll()
				s.ActiveCount()
				if j%7 == 0 {
					s.Remove(id)
				}
			}
		}(i)
	}
	wg.Wait()
}
