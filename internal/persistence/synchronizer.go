package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/player"
)

const tracerName = "github.com/lawnchairsociety/tokenrealms/server/internal/persistence"

// Options tune the synchronizer.
type Options struct {
	// SaveInterval is the minimum time between two writes for one player.
	SaveInterval time.Duration
	// MaxAttempts bounds the tries per write, first attempt included.
	MaxAttempts int
	// RetryBackoff is the wait before the second attempt; it doubles after each failure.
	RetryBackoff time.Duration
	// WriteTimeout bounds one background write, retries included.
	WriteTimeout time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SaveInterval: 5 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.SaveInterval < 0 {
		o.SaveInterval = 0
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
}

// entry tracks the newest unsaved snapshot for one player.
type entry struct {
	writeMu sync.Mutex // serializes writes for this player

	// guarded by Synchronizer.mu
	profile   player.Profile
	dirty     bool
	scheduled bool
	lastWrite time.Time
}

// Synchronizer coalesces profile saves into throttled, retried writes against
// a Repository. Save never blocks and never fails; Flush writes synchronously.
//
// Each write is a full-record upsert. Two processes saving the same player
// resolve last-writer-wins on the whole record.
type Synchronizer struct {
	repo   Repository
	opts   Options
	tracer trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	writers   sync.WaitGroup
	closeOnce sync.Once
}

// NewSynchronizer starts a synchronizer over repo. Call Close to stop it.
func NewSynchronizer(repo Repository, opts Options) *Synchronizer {
	opts.normalize()
	s := &Synchronizer{
		repo:    repo,
		opts:    opts,
		tracer:  otel.Tracer(tracerName),
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Load returns the newest known profile for id: an unsaved snapshot if one is
// pending, else the stored profile, else a default profile.
func (s *Synchronizer) Load(ctx context.Context, id string) (player.Profile, error) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		p := e.profile
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return player.NewProfile(id, ""), nil
	}
	if err != nil {
		return player.Profile{}, fmt.Errorf("failed to load player %s: %w", id, err)
	}
	return p, nil
}

// Save records p as the newest snapshot for its player. The write happens in
// the background, at most once per SaveInterval per player; snapshots saved
// inside the window replace each other.
func (s *Synchronizer) Save(p player.Profile) {
	if p.ID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logger.Warning("Save after synchronizer close dropped", "player_id", p.ID)
		return
	}
	e, ok := s.entries[p.ID]
	if !ok {
		e = &entry{}
		s.entries[p.ID] = e
	}
	e.profile = p
	e.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush writes id's pending snapshot now, ignoring the throttle, and forgets
// the player once clean.
func (s *Synchronizer) Flush(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.write(ctx, e); err != nil {
		logger.Error("Failed to flush player", "player_id", id, "error", err)
		return err
	}

	s.mu.Lock()
	// A background writer still scheduled on e finds nothing dirty and
	// writes nothing; later saves start a fresh entry.
	if cur, ok := s.entries[id]; ok && cur == e && !e.dirty {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return nil
}

// FlushAll flushes every tracked player.
func (s *Synchronizer) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns how many players have unsaved changes.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

// Tracked returns how many players the synchronizer holds a snapshot for.
func (s *Synchronizer) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background loop, waits for in-flight writes and flushes
// everything still pending. Saves after Close are dropped.
func (s *Synchronizer) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.writers.Wait()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		err = s.FlushAll(ctx)
	})
	return err
}

func (s *Synchronizer) run() {
	defer close(s.done)

	tick := time.Second
	if s.opts.SaveInterval > 0 && s.opts.SaveInterval < tick {
		tick = s.opts.SaveInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.dispatch()
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch starts a background write for every dirty player whose throttle
// window has passed.
func (s *Synchronizer) dispatch() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.dirty || e.scheduled {
			continue
		}
		if !e.lastWrite.IsZero() && now.Sub(e.lastWrite) < s.opts.SaveInterval {
			continue
		}
		e.scheduled = true
		s.writers.Add(1)
		go s.writeAsync(e)
	}
}

func (s *Synchronizer) writeAsync(e *entry) {
	defer s.writers.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	if err := s.write(ctx, e); err != nil {
		logger.Warning("Player save failed, will retry", "error", err)
	}

	s.mu.Lock()
	e.scheduled = false
	s.mu.Unlock()
}

// write takes the entry's snapshot and upserts it. On failure the entry is
// marked dirty again unless a newer snapshot already did so. A failed write
// does not start a new throttle window, so the next trigger retries.
func (s *Synchronizer) write(ctx context.Context, e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	s.mu.Lock()
	if !e.dirty {
		s.mu.Unlock()
		return nil
	}
	p := e.profile
	e.dirty = false
	s.mu.Unlock()

	err := s.upsertWithRetry(ctx, p)

	s.mu.Lock()
	if err != nil {
		e.dirty = true
	} else {
		e.lastWrite = time.Now()
	}
	s.mu.Unlock()
	return err
}

func (s *Synchronizer) upsertWithRetry(ctx context.Context, p player.Profile) error {
	ctx, span := s.tracer.Start(ctx, "persistence.upsert",
		trace.WithAttributes(attribute.String("player.id", p.ID)))
	defer span.End()

	backoff := s.opts.RetryBackoff
	attempt := 1
	for {
		err := s.repo.Upsert(ctx, p)
		if err == nil {
			span.SetAttributes(attribute.Int("persistence.attempts", attempt))
			return nil
		}
		if attempt < s.opts.MaxAttempts {
			logger.Debug("Player save attempt failed", "player_id", p.ID, "attempt", attempt, "error", err)
			err = sleep(ctx, backoff)
		}
		if err != nil && (attempt >= s.opts.MaxAttempts || ctx.Err() != nil) {
			span.SetAttributes(attribute.Int("persistence.attempts", attempt))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to save player %s after %d attempts: %w", p.ID, attempt, err)
		}
		backoff *= 2
		attempt++
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
