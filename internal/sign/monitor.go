package sign

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Default monitor timing. Signs report every 30s, so a sign that misses
// one report is marked offline on the following sweep.
const (
	DefaultStalenessThreshold = 30 * time.Second
	DefaultSweepInterval      = 30 * time.Second
)

// Sweeper is the registry operation the monitor drives.
type Sweeper interface {
	MarkOfflineIfStale(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error)
}

// MonitorConfig holds configuration for the staleness monitor.
type MonitorConfig struct {
	// Threshold is how long a sign may be silent before it is offline.
	// Default: 30 seconds.
	Threshold time.Duration

	// Interval is the time between sweeps.
	// Default: 30 seconds.
	Interval time.Duration

	// Clock drives the ticker and supplies "now". Default: wall clock.
	Clock clock.Clock
}

// Monitor periodically marks silent signs offline.
//
// It is the only component that moves a sign from online to offline.
// A failed sweep is logged and retried on the next tick; ticks missed
// while a sweep runs are dropped, not replayed.
type Monitor struct {
	sweeper   Sweeper
	threshold time.Duration
	interval  time.Duration
	clock     clock.Clock

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewMonitor creates a monitor for sweeper.
//
// Returns:
//   - *Monitor: Ready to start (call Start to begin sweeping)
func NewMonitor(sweeper Sweeper, cfg MonitorConfig) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStalenessThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Monitor{
		sweeper:   sweeper,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

// Start begins periodic sweeps until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	m.wg.Add(1)
	go m.loop(ctx, ticker)
}

// Stop halts the sweep loop and waits for it to exit.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// Sweep runs one staleness pass immediately and returns the IDs that
// went offline.
func (m *Monitor) Sweep(ctx context.Context) []string {
	marked, err := m.sweeper.MarkOfflineIfStale(ctx, m.threshold, m.clock.Now())
	log := m.getLogger()
	if err != nil {
		log.Error("staleness sweep incomplete", "error", err, "marked", len(marked))
	}
	if len(marked) > 0 {
		log.Info("signs marked offline", "sign_ids", marked)
	}
	return marked
}

func (m *Monitor) loop(ctx context.Context, ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Monitor) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}
