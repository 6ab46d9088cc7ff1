package sign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ─── ReportStatus ───────────────────────────────────────────────

func TestRegistry_ReportStatus(t *testing.T) {
	reg, repo, pub, clk := newTestRegistry(t)
	ctx := context.Background()

	got, err := reg.ReportStatus(ctx, "1", validReport())
	if err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}

	if got.Status != StatusOnline {
		t.Errorf("Status = %v, want online", got.Status)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(clk.Now()) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, clk.Now())
	}
	if got.Heading != 90 || *got.Battery != 85 || *got.Signal != -67 {
		t.Errorf("telemetry not applied: %+v", got)
	}
	if got.Position == nil || got.Position.Lat != 51.5074 {
		t.Errorf("Position = %v", got.Position)
	}

	if stored := repo.stored("1"); stored.Status != StatusOnline {
		t.Error("report was not persisted")
	}

	updates := pub.updates()
	if len(updates) != 1 {
		t.Fatalf("published %d sign_update events, want 1", len(updates))
	}
	if updates[0].Sign.ID != "1" || updates[0].Sign.Battery == nil {
		t.Errorf("sign_update should carry the full snapshot: %+v", updates[0].Sign)
	}
}

func TestRegistry_ReportStatus_KeepsMode(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetCommand(ctx, "2", ModeRight); err != nil {
		t.Fatalf("SetCommand() error = %v", err)
	}
	got, err := reg.ReportStatus(ctx, "2", validReport())
	if err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}
	if got.CurrentMode != ModeRight {
		t.Errorf("CurrentMode = %v, want right", got.CurrentMode)
	}
}

func TestRegistry_ReportStatus_Invalid(t *testing.T) {
	reg, repo, pub, _ := newTestRegistry(t)

	report := validReport()
	report.Battery = nil

	_, err := reg.ReportStatus(context.Background(), "1", report)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ReportStatus() error = %v, want ErrValidation", err)
	}
	if repo.saves != 0 {
		t.Error("invalid report should not reach the store")
	}
	if len(pub.all()) != 0 {
		t.Error("invalid report should not publish")
	}
	s, _ := reg.Get(context.Background(), "1")
	if s.Battery != nil || s.Status != StatusOffline {
		t.Errorf("invalid report mutated the sign: %+v", s)
	}
}

func TestRegistry_ReportStatus_NotFound(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.ReportStatus(context.Background(), "999", validReport())
	if !errors.Is(err, ErrSignNotFound) {
		t.Errorf("ReportStatus() error = %v, want ErrSignNotFound", err)
	}
}

func TestRegistry_ReportStatus_StoreFailure(t *testing.T) {
	reg, repo, pub, _ := newTestRegistry(t)
	repo.setSaveErr(errors.New("disk full"), "")

	_, err := reg.ReportStatus(context.Background(), "1", validReport())
	if !errors.Is(err, ErrStore) {
		t.Fatalf("ReportStatus() error = %v, want ErrStore", err)
	}

	s, _ := reg.Get(context.Background(), "1")
	if s.Status != StatusOffline || s.Battery != nil {
		t.Errorf("cache changed despite store failure: %+v", s)
	}
	if len(pub.all()) != 0 {
		t.Error("store failure should not publish")
	}
}

type recordingSink struct {
	mu    sync.Mutex
	signs []Sign
}

func (s *recordingSink) RecordTelemetry(sign Sign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signs = append(s.signs, sign)
}

func TestRegistry_ReportStatus_Telemetry(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	sink := &recordingSink{}
	reg.SetTelemetrySink(sink)

	if _, err := reg.ReportStatus(context.Background(), "3", validReport()); err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}
	if len(sink.signs) != 1 || sink.signs[0].ID != "3" {
		t.Errorf("telemetry sink got %+v", sink.signs)
	}
}

// ─── PendingCommand ─────────────────────────────────────────────

func TestRegistry_PendingCommand(t *testing.T) {
	reg, _, pub, clk := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetCommand(ctx, "1", ModeCross); err != nil {
		t.Fatalf("SetCommand() error = %v", err)
	}
	pub.reset()

	mode, err := reg.PendingCommand(ctx, "1")
	if err != nil {
		t.Fatalf("PendingCommand() error = %v", err)
	}
	if mode != ModeCross {
		t.Errorf("PendingCommand() = %v, want cross", mode)
	}

	s, _ := reg.Get(ctx, "1")
	if s.Status != StatusOnline || !s.LastSeen.Equal(clk.Now()) {
		t.Errorf("poll should refresh liveness: %+v", s)
	}
	if n := len(pub.updates()); n != 1 {
		t.Errorf("offline→online poll published %d updates, want 1", n)
	}

	// A second poll while online only bumps LastSeen.
	pub.reset()
	clk.Add(10 * time.Second)
	if _, err := reg.PendingCommand(ctx, "1"); err != nil {
		t.Fatalf("PendingCommand() error = %v", err)
	}
	if n := len(pub.all()); n != 0 {
		t.Errorf("online poll published %d events, want 0", n)
	}
	s, _ = reg.Get(ctx, "1")
	if !s.LastSeen.Equal(clk.Now()) {
		t.Errorf("LastSeen = %v, want %v", s.LastSeen, clk.Now())
	}
}

func TestRegistry_PendingCommand_AfterSilenceWithoutSweep(t *testing.T) {
	reg, _, pub, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.ReportStatus(ctx, "1", validReport()); err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}
	clk.Add(45 * time.Second)

	s, _ := reg.Get(ctx, "1")
	if s.Status != StatusOffline {
		t.Fatalf("Get().Status before poll = %v, want offline", s.Status)
	}
	pub.reset()

	if _, err := reg.PendingCommand(ctx, "1"); err != nil {
		t.Fatalf("PendingCommand() error = %v", err)
	}

	updates := pub.updates()
	if len(updates) != 1 {
		t.Fatalf("poll after silence published %d updates, want 1", len(updates))
	}
	if updates[0].Sign.Status != StatusOnline {
		t.Errorf("published status = %v, want online", updates[0].Sign.Status)
	}
	s, _ = reg.Get(ctx, "1")
	if s.Status != StatusOnline {
		t.Errorf("Get().Status after poll = %v, want online", s.Status)
	}
}

func TestRegistry_PendingCommand_DefaultsToTest(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	mode, err := reg.PendingCommand(context.Background(), "2")
	if err != nil {
		t.Fatalf("PendingCommand() error = %v", err)
	}
	if mode != ModeTest {
		t.Errorf("PendingCommand() = %v, want test", mode)
	}
}

// ─── SetCommand / Rename ────────────────────────────────────────

func TestRegistry_SetCommand(t *testing.T) {
	reg, _, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetCommand(ctx, "2", ModeLeft); err != nil {
		t.Fatalf("SetCommand() error = %v", err)
	}

	cmds := pub.commands()
	if len(cmds) != 1 || cmds[0].SignID != "2" || cmds[0].Command != ModeLeft {
		t.Errorf("command events = %+v", cmds)
	}
	if len(pub.updates()) != 0 {
		t.Error("SetCommand should publish command_update only")
	}

	s, _ := reg.Get(ctx, "2")
	if s.CurrentMode != ModeLeft {
		t.Errorf("CurrentMode = %v, want left", s.CurrentMode)
	}
	if s.Status != StatusOffline {
		t.Error("SetCommand must not change liveness")
	}
}

func TestRegistry_SetCommand_UnknownModeStored(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.SetCommand(ctx, "1", Mode(7)); err != nil {
		t.Fatalf("SetCommand() error = %v", err)
	}
	mode, _ := reg.PendingCommand(ctx, "1")
	if mode != Mode(7) || mode.String() != "unknown" {
		t.Errorf("PendingCommand() = %d (%s), want 7 (unknown)", mode, mode)
	}
}

func TestRegistry_SetCommand_LastWriteWins(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, m := range []Mode{ModeLeft, ModeRight, ModeCross} {
		if err := reg.SetCommand(ctx, "3", m); err != nil {
			t.Fatalf("SetCommand(%v) error = %v", m, err)
		}
	}
	mode, _ := reg.PendingCommand(ctx, "3")
	if mode != ModeCross {
		t.Errorf("PendingCommand() = %v, want cross", mode)
	}
}

func TestRegistry_Rename(t *testing.T) {
	reg, repo, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Rename(ctx, "1", "  North gate  "); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	s, _ := reg.Get(ctx, "1")
	if s.Name != "North gate" {
		t.Errorf("Name = %q, want %q", s.Name, "North gate")
	}
	if repo.stored("1").Name != "North gate" {
		t.Error("rename was not persisted")
	}
	if u := pub.updates(); len(u) != 1 || u[0].Sign.Name != "North gate" {
		t.Errorf("updates = %+v", u)
	}

	if err := reg.Rename(ctx, "1", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Rename(\"\") error = %v, want ErrInvalidName", err)
	}
	if err := reg.Rename(ctx, "nope", "x"); !errors.Is(err, ErrSignNotFound) {
		t.Errorf("Rename(unknown) error = %v, want ErrSignNotFound", err)
	}
}

// ─── Staleness ──────────────────────────────────────────────────

func TestRegistry_MarkOfflineIfStale(t *testing.T) {
	reg, _, pub, clk := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2"} {
		if _, err := reg.ReportStatus(ctx, id, validReport()); err != nil {
			t.Fatalf("ReportStatus(%s) error = %v", id, err)
		}
	}
	clk.Add(20 * time.Second)
	if _, err := reg.ReportStatus(ctx, "2", validReport()); err != nil {
		t.Fatalf("ReportStatus(2) error = %v", err)
	}
	pub.reset()

	clk.Add(15 * time.Second) // sign 1 silent 35s, sign 2 silent 15s
	marked, err := reg.MarkOfflineIfStale(ctx, 30*time.Second, clk.Now())
	if err != nil {
		t.Fatalf("MarkOfflineIfStale() error = %v", err)
	}
	if len(marked) != 1 || marked[0] != "1" {
		t.Fatalf("marked = %v, want [1]", marked)
	}

	s1, _ := reg.Get(ctx, "1")
	if s1.Status != StatusOffline {
		t.Error("sign 1 should be offline")
	}
	if s1.Position == nil || s1.Battery == nil {
		t.Error("telemetry must be retained when a sign goes offline")
	}
	s2, _ := reg.Get(ctx, "2")
	if s2.Status != StatusOnline {
		t.Error("sign 2 should still be online")
	}

	updates := pub.updates()
	if len(updates) != 1 || updates[0].Sign.Status != StatusOffline {
		t.Errorf("updates = %+v, want one offline update", updates)
	}

	// Idempotent: a second sweep changes nothing.
	pub.reset()
	marked, err = reg.MarkOfflineIfStale(ctx, 30*time.Second, clk.Now())
	if err != nil || len(marked) != 0 {
		t.Errorf("second sweep = %v, %v; want nothing", marked, err)
	}
	if len(pub.all()) != 0 {
		t.Error("second sweep should not publish")
	}
}

func TestRegistry_MarkOfflineIfStale_ContinuesPastStoreError(t *testing.T) {
	reg, repo, _, clk := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := reg.ReportStatus(ctx, id, validReport()); err != nil {
			t.Fatalf("ReportStatus(%s) error = %v", id, err)
		}
	}
	repo.setSaveErr(errors.New("locked"), "2")
	clk.Add(time.Minute)

	marked, err := reg.MarkOfflineIfStale(ctx, 30*time.Second, clk.Now())
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
	if fmt.Sprint(marked) != "[1 3]" {
		t.Errorf("marked = %v, want [1 3]", marked)
	}

	// The failed sign is retried on the next sweep.
	repo.setSaveErr(nil, "")
	marked, err = reg.MarkOfflineIfStale(ctx, 30*time.Second, clk.Now())
	if err != nil || fmt.Sprint(marked) != "[2]" {
		t.Errorf("retry sweep = %v, %v; want [2]", marked, err)
	}
}

func TestRegistry_ReadTimeStatus(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.ReportStatus(ctx, "1", validReport()); err != nil {
		t.Fatalf("ReportStatus() error = %v", err)
	}
	clk.Add(31 * time.Second)

	// No sweep has run, but readers already see the sign as offline.
	s, _ := reg.Get(ctx, "1")
	if s.Status != StatusOffline {
		t.Errorf("Get().Status = %v, want offline", s.Status)
	}
	for _, s := range reg.ListAll(ctx) {
		if s.ID == "1" && s.Status != StatusOffline {
			t.Errorf("ListAll() status for 1 = %v, want offline", s.Status)
		}
	}
}

// ─── Queries / lifecycle ────────────────────────────────────────

func TestRegistry_ListAll_SortedCopies(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	list := reg.ListAll(ctx)
	if len(list) != 3 || list[0].ID != "1" || list[2].ID != "3" {
		t.Fatalf("ListAll() = %+v", list)
	}

	list[0].Name = "mutated"
	again := reg.ListAll(ctx)
	if again[0].Name == "mutated" {
		t.Error("ListAll() must return copies")
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrSignNotFound) {
		t.Errorf("Get() error = %v, want ErrSignNotFound", err)
	}
}

func TestRegistry_Provision(t *testing.T) {
	reg, _, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Provision(ctx, &Sign{ID: "4", Name: "four"}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if reg.Count() != 4 {
		t.Errorf("Count() = %d, want 4", reg.Count())
	}
	s, _ := reg.Get(ctx, "4")
	if s.Status != StatusOffline || s.CurrentMode != ModeTest {
		t.Errorf("new sign = %+v, want offline/test", s)
	}
	if len(pub.updates()) != 1 {
		t.Error("Provision should announce the new sign")
	}

	if err := reg.Provision(ctx, &Sign{ID: "4", Name: "dup"}); !errors.Is(err, ErrSignExists) {
		t.Errorf("duplicate Provision() error = %v, want ErrSignExists", err)
	}
	if err := reg.Provision(ctx, &Sign{ID: "a/b", Name: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad id Provision() error = %v, want ErrValidation", err)
	}
}

func TestRegistry_Load(t *testing.T) {
	repo := NewMockRepository()
	seen := testEpoch
	repo.signs["7"] = &Sign{ID: "7", Name: "seven", Status: StatusOnline, LastSeen: &seen, CurrentMode: ModeRight}

	reg := NewRegistry(repo, 30*time.Second)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	repo.listErr = errors.New("boom")
	if err := reg.Load(context.Background()); err == nil {
		t.Error("Load() should surface repository errors")
	}
}

// ─── Concurrency ────────────────────────────────────────────────

// consistencyPublisher counts sign_update snapshots that break the
// online-implies-seen rule.
type consistencyPublisher struct {
	mu  sync.Mutex
	n   int
	bad int
}

func (p *consistencyPublisher) Publish(event any) {
	u, ok := event.(UpdateEvent)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	if u.Sign.Status == StatusOnline && u.Sign.LastSeen == nil {
		p.bad++
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)
	pub := &consistencyPublisher{}
	reg.SetPublisher(pub)
	ctx := context.Background()
	ids := []string{"1", "2", "3"}

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := ids[(w+i)%len(ids)]
				switch i % 5 {
				case 0:
					_ = reg.SetCommand(ctx, id, Mode(i%4))
				case 1:
					_, _ = reg.PendingCommand(ctx, id)
				case 2:
					_, _ = reg.MarkOfflineIfStale(ctx, 0, clk.Now())
				case 3:
					_ = reg.ListAll(ctx)
				default:
					if _, err := reg.ReportStatus(ctx, id, validReport()); err != nil {
						t.Errorf("ReportStatus() error = %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if pub.n == 0 {
		t.Fatal("expected sign_update events")
	}
	if pub.bad != 0 {
		t.Errorf("%d snapshots were online without LastSeen", pub.bad)
	}
}
