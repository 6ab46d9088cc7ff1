package sign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Logger defines the logging interface used by this package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher receives registry events (UpdateEvent, CommandEvent).
// Publish is called with the sign's lock held and must not block.
type Publisher interface {
	Publish(event any)
}

// TelemetrySink records accepted status reports for long-term storage.
// RecordTelemetry must not block.
type TelemetrySink interface {
	RecordTelemetry(s Sign)
}

type noopPublisher struct{}

func (noopPublisher) Publish(any) {}

// entry holds one sign. The snapshot is replaced, never mutated, so
// readers can load it without taking mu.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Sign]
}

// Registry is the authoritative in-memory view of the fleet, written
// through to a Repository.
//
// Every mutation follows the same order under the sign's lock: build the
// next snapshot, persist it, swap it in, then publish. A store failure
// leaves the cached snapshot untouched and publishes nothing.
//
// Configure with the Set* methods before the registry is shared.
type Registry struct {
	repo      Repository
	threshold time.Duration
	clock     clock.Clock
	publisher Publisher
	telemetry TelemetrySink
	logger    Logger

	mu      sync.RWMutex // guards entries (the map, not the records)
	entries map[string]*entry
}

// NewRegistry creates a registry over repo. threshold is the staleness
// window used when computing read-time status.
func NewRegistry(repo Repository, threshold time.Duration) *Registry {
	return &Registry{
		repo:      repo,
		threshold: threshold,
		clock:     clock.New(),
		publisher: noopPublisher{},
		logger:    noopLogger{},
		entries:   make(map[string]*entry),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetPublisher sets the event destination, normally the broadcast hub.
func (r *Registry) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	r.publisher = p
}

// SetTelemetrySink sets where accepted reports are recorded. nil disables it.
func (r *Registry) SetTelemetrySink(sink TelemetrySink) {
	r.telemetry = sink
}

// SetClock replaces the wall clock. Tests pass clock.NewMock().
func (r *Registry) SetClock(c clock.Clock) {
	r.clock = c
}

// Threshold returns the staleness window.
func (r *Registry) Threshold() time.Duration {
	return r.threshold
}

// Load replaces the cache with the repository contents.
// Call once on startup before serving requests.
func (r *Registry) Load(ctx context.Context) error {
	signs, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading signs: %w", err)
	}

	entries := make(map[string]*entry, len(signs))
	for i := range signs {
		e := &entry{}
		e.snap.Store(signs[i].Clone())
		entries[signs[i].ID] = e
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Info("sign registry loaded", "count", len(signs))
	return nil
}

// Provision adds a new sign. It starts offline with no telemetry unless
// s says otherwise.
func (r *Registry) Provision(ctx context.Context, s *Sign) error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if err := ValidateName(s.Name); err != nil {
		return err
	}

	next := s.Clone()
	next.Name = trimName(next.Name)
	if next.Status == "" {
		next.Status = StatusOffline
	}

	r.mu.Lock()
	if _, ok := r.entries[next.ID]; ok {
		r.mu.Unlock()
		return ErrSignExists
	}
	if err := r.repo.Create(ctx, next); err != nil {
		r.mu.Unlock()
		if errors.Is(err, ErrSignExists) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	// Publish under the record lock only; the hub may call ListAll while
	// holding its own lock, which needs r.mu.
	e := &entry{}
	e.mu.Lock()
	e.snap.Store(next)
	r.entries[next.ID] = e
	r.mu.Unlock()

	r.publisher.Publish(NewUpdateEvent(next))
	e.mu.Unlock()

	r.logger.Info("sign provisioned", "sign_id", next.ID, "name", next.Name)
	return nil
}

// Count returns the number of signs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns a snapshot of one sign with read-time status applied.
func (r *Registry) Get(_ context.Context, id string) (*Sign, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrSignNotFound
	}
	return r.view(e.snap.Load(), r.clock.Now()), nil
}

// ListAll returns snapshots of every sign sorted by ID, with read-time
// status applied.
func (r *Registry) ListAll(_ context.Context) []Sign {
	now := r.clock.Now()
	entries := r.snapshotEntries()

	signs := make([]Sign, 0, len(entries))
	for _, e := range entries {
		signs = append(signs, *r.view(e.snap.Load(), now))
	}
	sort.Slice(signs, func(i, j int) bool { return signs[i].ID < signs[j].ID })
	return signs
}

// ReportStatus applies a telemetry report: the sign becomes online with
// LastSeen set to now and every reported field replaced. Observers
// receive the full snapshot.
func (r *Registry) ReportStatus(ctx context.Context, id string, report StatusReport) (*Sign, error) {
	if err := ValidateReport(report); err != nil {
		return nil, err
	}

	updated, err := r.mutate(ctx, id, func(next *Sign) bool {
		now := r.clock.Now()
		pos := *report.Position
		battery, signal := *report.Battery, *report.Signal

		next.Status = StatusOnline
		next.LastSeen = &now
		next.Position = &pos
		next.Heading = *report.Heading
		next.Battery = &battery
		next.Signal = &signal
		return true
	}, nil)
	if err != nil {
		return nil, err
	}

	if r.telemetry != nil {
		r.telemetry.RecordTelemetry(*updated)
	}
	r.logger.Debug("status report applied", "sign_id", id, "battery", *report.Battery, "heading", *report.Heading)
	return updated, nil
}

// PendingCommand records a poll from the sign and returns its current
// mode. The poll counts as contact: the sign becomes online and LastSeen
// moves to now. Observers are told only when the sign was offline, either
// stored or by read-time staleness.
func (r *Registry) PendingCommand(ctx context.Context, id string) (Mode, error) {
	updated, err := r.mutate(ctx, id, func(next *Sign) bool {
		now := r.clock.Now()
		cameOnline := next.Status != StatusOnline || IsStale(next.LastSeen, now, r.threshold)
		next.Status = StatusOnline
		next.LastSeen = &now
		return cameOnline
	}, nil)
	if err != nil {
		return 0, err
	}
	return updated.CurrentMode, nil
}

// SetCommand stores mode as the sign's current mode. Unknown modes are
// stored as given. Observers receive a command_update.
func (r *Registry) SetCommand(ctx context.Context, id string, mode Mode) error {
	_, err := r.mutate(ctx, id, func(next *Sign) bool {
		next.CurrentMode = mode
		return false
	}, func(s *Sign) any { return NewCommandEvent(s.ID, s.CurrentMode) })
	if err != nil {
		return err
	}

	if !mode.Known() {
		r.logger.Warn("unknown command stored", "sign_id", id, "command", int(mode))
	}
	return nil
}

// Rename changes the operator label.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := r.mutate(ctx, id, func(next *Sign) bool {
		next.Name = trimName(name)
		return true
	}, nil)
	return err
}

// MarkOfflineIfStale moves every online sign whose LastSeen is at least
// threshold before now to offline, and returns their IDs in order.
//
// Signs are visited one at a time. Already-offline signs are skipped, so
// repeated sweeps emit nothing new. A store failure on one sign is
// collected and the sweep continues.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error) {
	entries := r.snapshotEntries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].snap.Load().ID < entries[j].snap.Load().ID
	})

	var marked []string
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		flipped, err := r.markOffline(ctx, e, threshold, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if flipped != "" {
			marked = append(marked, flipped)
		}
	}
	return marked, errors.Join(errs...)
}

func (r *Registry) markOffline(ctx context.Context, e *entry, threshold time.Duration, now time.Time) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.Status != StatusOnline || !IsStale(cur.LastSeen, now, threshold) {
		return "", nil
	}

	next := cur.Clone()
	next.Status = StatusOffline
	if err := r.commit(ctx, e, next); err != nil {
		return "", err
	}
	r.publisher.Publish(NewUpdateEvent(next))
	return next.ID, nil
}

// mutate applies change to a copy of the sign, persists it, swaps it in
// and publishes. change reports whether a sign_update should be sent;
// extra, when set, builds an additional event from the new snapshot.
func (r *Registry) mutate(ctx context.Context, id string, change func(next *Sign) bool, extra func(s *Sign) any) (*Sign, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrSignNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.snap.Load().Clone()
	announce := change(next)

	if err := r.commit(ctx, e, next); err != nil {
		return nil, err
	}

	if announce {
		r.publisher.Publish(NewUpdateEvent(next))
	}
	if extra != nil {
		r.publisher.Publish(extra(next))
	}
	return next.Clone(), nil
}

// commit persists next and installs it as the current snapshot.
// Caller holds e.mu.
func (r *Registry) commit(ctx context.Context, e *entry, next *Sign) error {
	if err := r.repo.Save(ctx, next); err != nil {
		if errors.Is(err, ErrSignNotFound) {
			return err
		}
		r.logger.Error("persisting sign failed", "sign_id", next.ID, "error", err)
		return fmt.Errorf("%w: saving sign %s: %w", ErrStore, next.ID, err)
	}
	e.snap.Store(next)
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// view returns a copy of s with status recomputed for now.
func (r *Registry) view(s *Sign, now time.Time) *Sign {
	v := s.Clone()
	if v.Status == StatusOnline && IsStale(v.LastSeen, now, r.threshold) {
		v.Status = StatusOffline
	}
	return v
}
