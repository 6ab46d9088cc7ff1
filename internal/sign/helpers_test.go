package sign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu    sync.Mutex
	signs map[string]*Sign
	saves int

	// For testing error paths
	createErr error
	saveErr   error
	saveErrID string // when set, saveErr only applies to this ID
	listErr   error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{signs: make(map[string]*Sign)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Sign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.signs[id]; ok {
		return s.Clone(), nil
	}
	return nil, ErrSignNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Sign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	signs := make([]Sign, 0, len(m.signs))
	for _, s := range m.signs {
		signs = append(signs, *s.Clone())
	}
	return signs, nil
}

func (m *MockRepository) Create(_ context.Context, s *Sign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.signs[s.ID]; ok {
		return ErrSignExists
	}
	m.signs[s.ID] = s.Clone()
	return nil
}

func (m *MockRepository) Save(_ context.Context, s *Sign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil && (m.saveErrID == "" || m.saveErrID == s.ID) {
		return m.saveErr
	}
	if _, ok := m.signs[s.ID]; !ok {
		return ErrSignNotFound
	}
	m.signs[s.ID] = s.Clone()
	m.saves++
	return nil
}

func (m *MockRepository) setSaveErr(err error, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
	m.saveErrID = id
}

func (m *MockRepository) stored(id string) *Sign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signs[id].Clone()
}

// recordingPublisher captures every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(event any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

func (p *recordingPublisher) updates() []UpdateEvent {
	var out []UpdateEvent
	for _, e := range p.all() {
		if u, ok := e.(UpdateEvent); ok {
			out = append(out, u)
		}
	}
	return out
}

func (p *recordingPublisher) commands() []CommandEvent {
	var out []CommandEvent
	for _, e := range p.all() {
		if c, ok := e.(CommandEvent); ok {
			out = append(out, c)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// testEpoch is the mock clock's starting wall time.
var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestRegistry builds a registry with signs "1", "2", "3" provisioned,
// a recording publisher, and a mock clock at testEpoch.
func newTestRegistry(t *testing.T) (*Registry, *MockRepository, *recordingPublisher, *clock.Mock) {
	t.Helper()

	repo := NewMockRepository()
	pub := &recordingPublisher{}
	clk := clock.NewMock()
	clk.Set(testEpoch)

	reg := NewRegistry(repo, 30*time.Second)
	reg.SetClock(clk)
	reg.SetPublisher(pub)

	if _, err := SeedIfEmpty(context.Background(), reg, DefaultSeeds); err != nil {
		t.Fatalf("SeedIfEmpty() error = %v", err)
	}
	pub.reset()
	return reg, repo, pub, clk
}

func validReport() StatusReport {
	heading, battery, signal := 90, 85, -67
	return StatusReport{
		Position: &Position{Lat: 51.5074, Lon: -0.1278},
		Heading:  &heading,
		Battery:  &battery,
		Signal:   &signal,
	}
}

func intPtr(v int) *int { return &v }
