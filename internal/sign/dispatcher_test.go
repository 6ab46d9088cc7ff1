package sign

import (
	"context"
	"errors"
	"testing"
)

type fakeAudit struct {
	commands []string
	renames  []string
	err      error
}

func (f *fakeAudit) RecordCommand(_ context.Context, signID string, mode Mode, source string) error {
	f.commands = append(f.commands, signID+":"+mode.String()+":"+source)
	return f.err
}

func (f *fakeAudit) RecordRename(_ context.Context, signID, name, source string) error {
	f.renames = append(f.renames, signID+":"+name+":"+source)
	return f.err
}

func TestDispatcher_SetCommandAndPoll(t *testing.T) {
	reg, _, pub, _ := newTestRegistry(t)
	audit := &fakeAudit{}
	d := NewDispatcher(reg, audit)
	ctx := context.Background()

	if err := d.SetCommand(ctx, "2", ModeRight, "api"); err != nil {
		t.Fatalf("SetCommand() error = %v", err)
	}
	if len(pub.commands()) != 1 {
		t.Error("SetCommand should publish command_update")
	}
	if len(audit.commands) != 1 || audit.commands[0] != "2:right:api" {
		t.Errorf("audit = %v", audit.commands)
	}

	mode, err := d.NextCommand(ctx, "2")
	if err != nil {
		t.Fatalf("NextCommand() error = %v", err)
	}
	if mode != ModeRight {
		t.Errorf("NextCommand() = %v, want right", mode)
	}
}

func TestDispatcher_NotFound(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	d := NewDispatcher(reg, nil)
	ctx := context.Background()

	if err := d.SetCommand(ctx, "404", ModeLeft, "api"); !errors.Is(err, ErrSignNotFound) {
		t.Errorf("SetCommand() error = %v, want ErrSignNotFound", err)
	}
	if _, err := d.NextCommand(ctx, "404"); !errors.Is(err, ErrSignNotFound) {
		t.Errorf("NextCommand() error = %v, want ErrSignNotFound", err)
	}
}

func TestDispatcher_AuditFailureIsNotFatal(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	d := NewDispatcher(reg, &fakeAudit{err: errors.New("audit table locked")})
	ctx := context.Background()

	if err := d.SetCommand(ctx, "1", ModeCross, "api"); err != nil {
		t.Fatalf("SetCommand() error = %v, want nil", err)
	}
	if err := d.Rename(ctx, "1", "East", "api"); err != nil {
		t.Fatalf("Rename() error = %v, want nil", err)
	}
	s, _ := reg.Get(ctx, "1")
	if s.CurrentMode != ModeCross || s.Name != "East" {
		t.Errorf("sign = %+v", s)
	}
}

func TestDispatcher_Rename(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	audit := &fakeAudit{}
	d := NewDispatcher(reg, audit)

	if err := d.Rename(context.Background(), "3", " Depot ", "mqtt"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if len(audit.renames) != 1 || audit.renames[0] != "3:Depot:mqtt" {
		t.Errorf("audit = %v", audit.renames)
	}

	if err := d.Rename(context.Background(), "3", "", "api"); !errors.Is(err, ErrValidation) {
		t.Errorf("Rename(\"\") error = %v, want ErrValidation", err)
	}
	if len(audit.renames) != 1 {
		t.Error("failed rename should not be audited")
	}
}
