package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stored(repo *MemoryRepository, id string) (player.Profile, bool) {
	p, err := repo.Get(context.Background(), id)
	return p, err == nil
}

func newTestSync(t *testing.T, repo Repository, interval time.Duration) *Synchronizer {
	t.Helper()
	s := NewSynchronizer(repo, Options{
		SaveInterval: interval,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	})
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestLoad_DefaultsForUnknownPlayer(t *testing.T) {
	s := newTestSync(t, NewMemoryRepository(), time.Hour)

	p, err := s.Load(context.Background(), "42")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if p.ID != "42" || p.Tokens != 0 || p.Level != 1 || p.Experience != 0 || p.Health != player.MaxHealth {
		t.Errorf("default profile = %+v", p)
	}
}

func TestLoad_PrefersPendingSnapshot(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, time.Hour)

	first := player.NewProfile("1", "alice")
	s.Save(first)
	waitFor(t, "first write", func() bool { _, ok := stored(repo, "1"); return ok })

	newer := first
	newer.Tokens = 99
	s.Save(newer)

	p, err := s.Load(context.Background(), "1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if p.Tokens != 99 {
		t.Errorf("Load returned %d tokens, want the pending 99", p.Tokens)
	}
}

type failingRepo struct{ err error }

func (f failingRepo) Get(context.Context, string) (player.Profile, error) {
	return player.Profile{}, f.err
}
func (f failingRepo) Upsert(context.Context, player.Profile) error { return f.err }

func TestLoad_StoreFailure(t *testing.T) {
	boom := errors.New("disk on fire")
	s := newTestSync(t, failingRepo{err: boom}, time.Hour)

	if _, err := s.Load(context.Background(), "1"); !errors.Is(err, boom) {
		t.Errorf("Load error = %v, want wrapped store error", err)
	}
}

func TestSave_ThrottlesAndCoalesces(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, time.Hour)

	p := player.NewProfile("1", "alice")
	s.Save(p)
	waitFor(t, "first write", func() bool { return repo.UpsertCalls() == 1 })

	for i := 1; i <= 20; i++ {
		p.Tokens = i
		s.Save(p)
	}
	time.Sleep(50 * time.Millisecond)

	if got := repo.UpsertCalls(); got != 1 {
		t.Fatalf("UpsertCalls = %d inside the throttle window, want 1", got)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", s.Pending())
	}

	if err := s.Flush(context.Background(), "1"); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	if got := repo.UpsertCalls(); got != 2 {
		t.Errorf("UpsertCalls = %d after flush, want 2", got)
	}
	if sp, _ := stored(repo, "1"); sp.Tokens != 20 {
		t.Errorf("stored tokens = %d, want the newest 20", sp.Tokens)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after flush", s.Pending())
	}
}

func TestSave_WritesAgainAfterInterval(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, 20*time.Millisecond)

	p := player.NewProfile("1", "alice")
	s.Save(p)
	waitFor(t, "first write", func() bool { return repo.UpsertCalls() == 1 })

	p.Tokens = 7
	s.Save(p)
	waitFor(t, "throttled write", func() bool {
		sp, ok := stored(repo, "1")
		return ok && sp.Tokens == 7
	})
}

func TestSave_ReplayIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, 0)

	p := player.NewProfile("1", "alice")
	p.Stats.BattlesWon = 3
	for i := 0; i < 5; i++ {
		s.Save(p)
		if err := s.Flush(context.Background(), "1"); err != nil {
			t.Fatalf("Flush error: %v", err)
		}
	}
	if sp, _ := stored(repo, "1"); sp.Stats.BattlesWon != 3 {
		t.Errorf("BattlesWon = %d after replays, want 3", sp.Stats.BattlesWon)
	}
}

func TestFlush_RetriesTransientFailures(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, time.Hour)
	repo.FailNextUpserts(2)

	// Flush directly so the background loop does not race for the write.
	s.mu.Lock()
	s.entries["1"] = &entry{profile: player.NewProfile("1", "alice"), dirty: true, scheduled: true}
	s.mu.Unlock()

	if err := s.Flush(context.Background(), "1"); err != nil {
		t.Fatalf("Flush error = %v, want success on third attempt", err)
	}
	if got := repo.UpsertCalls(); got != 3 {
		t.Errorf("UpsertCalls = %d, want 3", got)
	}
	if s.Tracked() != 0 {
		t.Errorf("Tracked = %d after a clean flush, want 0", s.Tracked())
	}
}

func TestFlush_GivesUpAndKeepsDirty(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, time.Hour)
	repo.FailNextUpserts(3)

	s.mu.Lock()
	s.entries["1"] = &entry{profile: player.NewProfile("1", "alice"), dirty: true, scheduled: true}
	s.mu.Unlock()

	if err := s.Flush(context.Background(), "1"); err == nil {
		t.Fatal("Flush succeeded with every attempt failing")
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want the failed snapshot kept", s.Pending())
	}

	// The next trigger retries and succeeds.
	if err := s.Flush(context.Background(), "1"); err != nil {
		t.Fatalf("retry Flush error: %v", err)
	}
	if _, ok := stored(repo, "1"); !ok {
		t.Error("profile not stored after retry")
	}
}

func TestFlush_UnknownPlayer(t *testing.T) {
	s := newTestSync(t, NewMemoryRepository(), time.Hour)
	if err := s.Flush(context.Background(), "nobody"); err != nil {
		t.Errorf("Flush of untracked player = %v, want nil", err)
	}
}

func TestClose_FlushesEverything(t *testing.T) {
	repo := NewMemoryRepository()
	s := NewSynchronizer(repo, Options{SaveInterval: time.Hour})

	for _, id := range []string{"a", "b", "c"} {
		p := player.NewProfile(id, id)
		s.Save(p)
		waitFor(t, "first write of "+id, func() bool { _, ok := stored(repo, id); return ok })
		p.Tokens = 5
		s.Save(p)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if sp, _ := stored(repo, id); sp.Tokens != 5 {
			t.Errorf("%s tokens = %d after close, want 5", id, sp.Tokens)
		}
	}

	s.Save(player.NewProfile("late", "late"))
	if _, ok := stored(repo, "late"); ok {
		t.Error("save after close was written")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestSave_ConcurrentPlayers(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSync(t, repo, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			p := player.NewProfile(id, id)
			for j := 0; j < 50; j++ {
				p.Tokens = j
				s.Save(p)
			}
		}(i)
	}
	wg.Wait()

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll error: %v", err)
	}
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		if sp, ok := stored(repo, id); !ok || sp.Tokens != 49 {
			t.Errorf("%s stored = %+v ok=%v, want 49 tokens", id, sp, ok)
		}
	}
}
