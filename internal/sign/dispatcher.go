package sign

import (
	"context"
	"fmt"
)

// AuditRecorder stores operator actions. Failures are logged, never
// surfaced to the operator: the command has already taken effect.
type AuditRecorder interface {
	RecordCommand(ctx context.Context, signID string, mode Mode, source string) error
	RecordRename(ctx context.Context, signID, name, source string) error
}

// Dispatcher routes operator commands to signs.
//
// Delivery is fire-and-forget: SetCommand stores the mode and the sign
// picks it up on its next poll through NextCommand. The latest write wins.
type Dispatcher struct {
	registry *Registry
	audit    AuditRecorder
	logger   Logger
}

// NewDispatcher creates a dispatcher. audit may be nil.
func NewDispatcher(registry *Registry, audit AuditRecorder) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		audit:    audit,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetCommand stores mode for the sign and records who asked for it.
// source identifies the channel ("api", "mqtt", ...).
func (d *Dispatcher) SetCommand(ctx context.Context, id string, mode Mode, source string) error {
	if err := d.registry.SetCommand(ctx, id, mode); err != nil {
		return fmt.Errorf("setting command for %s: %w", id, err)
	}

	d.logger.Info("command set", "sign_id", id, "command", int(mode), "mode", mode.String(), "source", source)
	if d.audit != nil {
		if err := d.audit.RecordCommand(ctx, id, mode, source); err != nil {
			d.logger.Warn("recording command audit failed", "sign_id", id, "error", err)
		}
	}
	return nil
}

// NextCommand answers a sign's poll with its current mode. The poll
// refreshes the sign's liveness.
func (d *Dispatcher) NextCommand(ctx context.Context, id string) (Mode, error) {
	mode, err := d.registry.PendingCommand(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("reading command for %s: %w", id, err)
	}
	return mode, nil
}

// Rename changes a sign's label and records it in the audit log.
func (d *Dispatcher) Rename(ctx context.Context, id, name, source string) error {
	if err := d.registry.Rename(ctx, id, name); err != nil {
		return fmt.Errorf("renaming %s: %w", id, err)
	}

	d.logger.Info("sign renamed", "sign_id", id, "source", source)
	if d.audit != nil {
		if err := d.audit.RecordRename(ctx, id, trimName(name), source); err != nil {
			d.logger.Warn("recording rename audit failed", "sign_id", id, "error", err)
		}
	}
	return nil
}
