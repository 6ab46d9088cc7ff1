package clientsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// Defaults for Config fields left zero.
const (
	DefaultFailureThreshold = 3
	DefaultBackoff          = 2 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultLivenessInterval = 30 * time.Second
)

// Stream is an open event stream. Close must unblock a pending Next.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// StreamSource opens event streams.
type StreamSource interface {
	Open(ctx context.Context) (Stream, error)
}

// Lister fetches the full sign list.
type Lister interface {
	List(ctx context.Context) ([]sign.Sign, error)
}

// Logger is the logging interface used by the Syncer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Config tunes a Syncer. Zero values select the defaults.
type Config struct {
	FailureThreshold int
	Backoff          time.Duration
	PollInterval     time.Duration
	LivenessInterval time.Duration
	Clock            clock.Clock
	Logger           Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Syncer maintains a local copy of the fleet.
//
// Run drives the state machine; the accessors are safe to call from any
// goroutine while it runs.
type Syncer struct {
	source StreamSource
	lister Lister
	cfg    Config

	mu       sync.RWMutex
	signs    map[string]*sign.Sign
	state    State
	failures int

	reinit  chan struct{}
	changes chan struct{}
}

// New creates a Syncer streaming from source and loading from lister.
func New(source StreamSource, lister Lister, cfg Config) *Syncer {
	return &Syncer{
		source:  source,
		lister:  lister,
		cfg:     cfg.withDefaults(),
		signs:   make(map[string]*sign.Sign),
		state:   StateConnecting,
		reinit:  make(chan struct{}, 1),
		changes: make(chan struct{}, 1),
	}
}

// Run loads the initial list, then streams (or polls) until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	defer s.setState(StateStopped)

	s.loadInitial(ctx)
	s.setState(StateConnecting)

	for ctx.Err() == nil {
		switch s.State() {
		case StateConnecting:
			s.connect(ctx)
		case StateDegraded:
			s.degrade()
		case StateReconnecting:
			s.backoff(ctx)
		case StatePolling:
			s.poll(ctx)
		default:
			return
		}
	}
}

// Reinit reloads the full list and reconnects the stream. It is the only
// way out of Polling. Safe to call at any time; it never blocks.
func (s *Syncer) Reinit() {
	select {
	case s.reinit <- struct{}{}:
	default:
	}
}

// Changes signals (coalesced) whenever local data or state changes.
func (s *Syncer) Changes() <-chan struct{} {
	return s.changes
}

// State returns the current state.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failures returns the consecutive stream failure count.
func (s *Syncer) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// Signs returns a copy of every known sign, sorted by ID.
func (s *Syncer) Signs() []sign.Sign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]sign.Sign, 0, len(s.signs))
	for _, sg := range s.signs {
		out = append(out, *sg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one sign.
func (s *Syncer) Get(id string) (sign.Sign, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.signs[id]
	if !ok {
		return sign.Sign{}, false
	}
	return *sg.Clone(), true
}

// Apply folds one frame into local state and reports whether anything
// changed. Frames for unknown signs (other than sign_update) and unknown
// frame types are ignored.
func (s *Syncer) Apply(f Frame) bool {
	s.mu.Lock()
	changed := s.applyLocked(f)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

func (s *Syncer) applyLocked(f Frame) bool {
	switch f.Type {
	case FrameSignUpdate:
		if f.Sign == nil || f.Sign.ID == "" {
			return false
		}
		s.signs[f.Sign.ID] = f.Sign.Clone()
		return true
	case FrameCommandUpdate:
		sg, ok := s.signs[f.SignID]
		if !ok || f.Command == nil {
			return false
		}
		sg.CurrentMode = *f.Command
		return true
	case FrameSignStatus:
		sg, ok := s.signs[f.SignID]
		if !ok || f.Updates == nil {
			return false
		}
		f.Updates.merge(sg)
		return true
	default:
		return false
	}
}

// replaceAll swaps local state for a fresh list.
func (s *Syncer) replaceAll(signs []sign.Sign) {
	next := make(map[string]*sign.Sign, len(signs))
	for i := range signs {
		next[signs[i].ID] = signs[i].Clone()
	}

	s.mu.Lock()
	s.signs = next
	s.mu.Unlock()
	s.notify()
}

func (s *Syncer) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.cfg.Logger.Debug("sync state changed", "from", prev.String(), "to", next.String())
		s.notify()
	}
}

func (s *Syncer) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// loadInitial pulls the full list. Failure is logged and leaves the
// previous data in place.
func (s *Syncer) loadInitial(ctx context.Context) {
	signs, err := s.lister.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.cfg.Logger.Warn("loading sign list failed", "error", err)
		}
		return
	}
	s.replaceAll(signs)
}

// connect opens a stream and follows it until it ends.
func (s *Syncer) connect(ctx context.Context) {
	stream, err := s.source.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.cfg.Logger.Warn("opening event stream failed", "error", err)
			s.setState(StateDegraded)
		}
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.setState(StateStreaming)
	s.cfg.Logger.Info("event stream connected")

	s.setState(s.follow(ctx, stream))
}

type readResult struct {
	frame Frame
	err   error
}

// follow applies frames until the stream fails, goes quiet, or a
// re-initialisation is requested. It returns the next state.
func (s *Syncer) follow(ctx context.Context, stream Stream) State {
	results := make(chan readResult)
	quit := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, err := stream.Next(ctx)
			select {
			case results <- readResult{frame: f, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	defer func() {
		close(quit)
		stream.Close() //nolint:errcheck // Stream is being abandoned
		wg.Wait()
	}()

	liveness := s.cfg.Clock.Ticker(s.cfg.LivenessInterval)
	defer liveness.Stop()
	active := false

	for {
		select {
		case <-ctx.Done():
			return StateStopped
		case <-s.reinit:
			s.loadInitial(ctx)
			return StateConnecting
		case <-liveness.C:
			if !active {
				s.cfg.Logger.Warn("event stream silent, reconnecting", "interval", s.cfg.LivenessInterval)
				return StateConnecting
			}
			active = false
		case r := <-results:
			if r.err != nil {
				if ctx.Err() != nil {
					return StateStopped
				}
				s.cfg.Logger.Warn("event stream failed", "error", r.err)
				return StateDegraded
			}
			active = true
			s.Apply(r.frame)
		}
	}
}

// degrade counts a failure and picks between retrying and polling.
func (s *Syncer) degrade() {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	if failures < s.cfg.FailureThreshold {
		s.setState(StateReconnecting)
		return
	}
	s.cfg.Logger.Warn("event stream unavailable, falling back to polling",
		"failures", failures, "interval", s.cfg.PollInterval)
	s.setState(StatePolling)
}

// backoff waits before the next connection attempt.
func (s *Syncer) backoff(ctx context.Context) {
	timer := s.cfg.Clock.Timer(s.cfg.Backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-s.reinit:
		s.reinitialise(ctx)
	case <-timer.C:
		s.setState(StateConnecting)
	}
}

// poll replaces local state from the list endpoint on every tick until
// Reinit is called.
func (s *Syncer) poll(ctx context.Context) {
	ticker := s.cfg.Clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reinit:
			s.reinitialise(ctx)
			return
		case <-ticker.C:
			signs, err := s.lister.List(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.cfg.Logger.Warn("polling sign list failed", "error", err)
				}
				continue
			}
			s.replaceAll(signs)
		}
	}
}

// reinitialise resets the failure count, reloads, and reconnects.
func (s *Syncer) reinitialise(ctx context.Context) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	s.cfg.Logger.Info("re-initialising sync")
	s.loadInitial(ctx)
	s.setState(StateConnecting)
}
