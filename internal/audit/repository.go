// Package audit records operator actions against signs (direction
// commands and renames) and serves them back as per-sign history.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// Actions recorded in the audit log.
const (
	ActionCommand = "command"
	ActionRename  = "rename"
)

// EntitySign is the entity type for sign actions.
const EntitySign = "sign"

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is a single audit trail row.
type Entry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action   string // optional: command or rename
	EntityID string // optional: one sign
	Limit    int    // default 50, max 200
	Offset   int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for audit log operations.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores entries in the audit_logs table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new audit log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Create inserts an entry. ID and CreatedAt are filled in when empty.
// Command entries get a "cmd-" prefix so they stand out in logs.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		prefix := "aud-"
		if e.Action == ActionCommand {
			prefix = "cmd-"
		}
		e.ID = prefix + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	var details sql.NullString
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.Source, details,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_type = ? AND entity_id = ?")
		args = append(args, EntitySign, filter.EntityID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where //nolint:gosec // WHERE built from fixed fragments with ? placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := "SELECT id, action, entity_type, entity_id, source, details, created_at FROM audit_logs " + //nolint:gosec // as above
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var details sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Source, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details for %s: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Recorder adapts a Repository to the sign dispatcher's audit hook.
type Recorder struct {
	repo Repository
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// RecordCommand logs a direction command.
func (r *Recorder) RecordCommand(ctx context.Context, signID string, mode sign.Mode, source string) error {
	return r.repo.Create(ctx, &Entry{
		Action:     ActionCommand,
		EntityType: EntitySign,
		EntityID:   signID,
		Source:     source,
		Details: map[string]any{
			"command": int(mode),
			"mode":    mode.String(),
		},
	})
}

// RecordRename logs a name change.
func (r *Recorder) RecordRename(ctx context.Context, signID, name, source string) error {
	return r.repo.Create(ctx, &Entry{
		Action:     ActionRename,
		EntityType: EntitySign,
		EntityID:   signID,
		Source:     source,
		Details:    map[string]any{"name": name},
	})
}
