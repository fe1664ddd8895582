// Package audit stores the trail of control requests sent to devices.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeFormat has fixed-width fractional seconds so stored timestamps sort
// lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded control request.
type Entry struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Address   string          `json:"address"`
	Source    string          `json:"source"`
	Request   json.RawMessage `json:"request"`
	Sent      []string        `json:"sent"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// Filter controls which entries List returns.
type Filter struct {
	Address string // optional: one device
	Source  string // optional: api or mqtt
	Limit   int    // default 50, max 200
	Offset  int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the audit trail storage operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository keeps the audit trail in the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "cmd-" + uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Request) == 0 {
		entry.Request = json.RawMessage("{}")
	}

	sent := entry.Sent
	if sent == nil {
		sent = []string{}
	}
	sentJSON, err := json.Marshal(sent)
	if err != nil {
		return fmt.Errorf("marshalling sent steps: %w", err)
	}

	success := 0
	if entry.Success {
		success = 1
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, created_at, address, source, request, sent, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CreatedAt.UTC().Format(timeFormat),
		entry.Address, entry.Source, string(entry.Request), string(sentJSON),
		success, nullableString(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
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

	var (
		conditions []string
		args       []any
	)
	if filter.Address != "" {
		conditions = append(conditions, "address = ?")
		args = append(args, filter.Address)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // parameterised conditions only
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := "SELECT id, created_at, address, source, request, sent, success, error FROM command_audit " + //nolint:gosec // parameterised conditions only
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			createdAt string
			request   string
			sent      string
			success   int
			errText   sql.NullString
		)
		if err := rows.Scan(&e.ID, &createdAt, &e.Address, &e.Source,
			&request, &sent, &success, &errText); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.Request = json.RawMessage(request)
		if err := json.Unmarshal([]byte(sent), &e.Sent); err != nil {
			return nil, fmt.Errorf("decoding sent steps for %s: %w", e.ID, err)
		}
		e.Success = success != 0
		if errText.Valid {
			e.Error = errText.String
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
