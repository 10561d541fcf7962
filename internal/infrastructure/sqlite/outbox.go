package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/go-badge-sync/internal/domain"
)

// Outbox stores mark-read requests that have not been acknowledged yet, so
// they survive a restart.
type Outbox struct {
	db *sqlx.DB
}

// outboxRow mirrors one mark_read_outbox row.
type outboxRow struct {
	Token    string         `db:"token"`
	IDs      string         `db:"ids"`
	All      bool           `db:"all_read"`
	Category sql.NullString `db:"category"`
	IssuedAt string         `db:"issued_at"`
	Attempts int            `db:"attempts"`
}

// Open opens (or creates) the outbox database at path, enables WAL mode and
// applies pending migrations. Use ":memory:" in tests.
func Open(path string) (*Outbox, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: a single writer, and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	o := &Outbox{db: db}
	if err := o.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) runMigrations() error {
	current := 0

	var tableCount int
	err := o.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := o.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := o.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Save stores req. Saving a token twice bumps its attempt counter.
func (o *Outbox) Save(ctx context.Context, req domain.MarkReadRequest) error {
	ids, err := json.Marshal(req.IDs)
	if err != nil {
		return fmt.Errorf("marshaling ids for %s: %w", req.Token, err)
	}
	var category sql.NullString
	if req.Category != nil {
		category = sql.NullString{String: string(*req.Category), Valid: true}
	}

	const query = `
		INSERT INTO mark_read_outbox (token, ids, all_read, category, issued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET attempts = attempts + 1`
	_, err = o.db.ExecContext(ctx, query,
		req.Token, string(ids), req.All, category, req.IssuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving mark-read %s: %w", req.Token, err)
	}
	return nil
}

// Delete removes the request with token. Unknown tokens are ignored.
func (o *Outbox) Delete(ctx context.Context, token string) error {
	if _, err := o.db.ExecContext(ctx, "DELETE FROM mark_read_outbox WHERE token = ?", token); err != nil {
		return fmt.Errorf("deleting mark-read %s: %w", token, err)
	}
	return nil
}

// Load returns every stored request in the order it was first saved.
func (o *Outbox) Load(ctx context.Context) ([]domain.MarkReadRequest, error) {
	var rows []outboxRow
	err := o.db.SelectContext(ctx, &rows,
		"SELECT token, ids, all_read, category, issued_at, attempts FROM mark_read_outbox ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("loading outbox: %w", err)
	}

	out := make([]domain.MarkReadRequest, 0, len(rows))
	for _, r := range rows {
		req := domain.MarkReadRequest{Token: r.Token, All: r.All}
		if err := json.Unmarshal([]byte(r.IDs), &req.IDs); err != nil {
			return nil, fmt.Errorf("unmarshaling ids for %s: %w", r.Token, err)
		}
		if r.Category.Valid {
			c := domain.Category(r.Category.String)
			req.Category = &c
		}
		if req.IssuedAt, err = time.Parse(time.RFC3339Nano, r.IssuedAt); err != nil {
			return nil, fmt.Errorf("parsing issued_at for %s: %w", r.Token, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// Len returns the number of stored requests.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM mark_read_outbox"); err != nil {
		return 0, fmt.Errorf("counting outbox: %w", err)
	}
	return n, nil
}
