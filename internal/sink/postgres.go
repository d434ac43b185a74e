package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"registrar/internal/config"
	"registrar/internal/domain"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres mirrors attestations into a PostgreSQL table.
type Postgres struct {
	db    *sql.DB
	table string
}

// NewPostgres opens cfg.DSN with lib/pq and creates the table if missing.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p, err := NewPostgresWithDB(ctx, db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithDB uses an existing handle.
func NewPostgresWithDB(ctx context.Context, db *sql.DB, table string) (*Postgres, error) {
	if table == "" {
		table = "registrar_attestations"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{db: db, table: table}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGINT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			stream_id TEXT,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			accessibility_driven BOOLEAN NOT NULL DEFAULT FALSE,
			parent_id TEXT,
			invariants TEXT[] NOT NULL,
			violations JSONB NOT NULL,
			metadata JSONB NOT NULL
		)`, pq.QuoteIdentifier(p.table))
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Write(ctx context.Context, batch []domain.Attestation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	query := fmt.Sprintf(`
		INSERT INTO %s (seq, id, ts, actor, action, target, stream_id, decision, reason,
			accessibility_driven, parent_id, invariants, violations, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (seq) DO NOTHING`, pq.QuoteIdentifier(p.table))
	for _, a := range batch {
		env := envelope(a)
		violations, err := json.Marshal(env.Violations)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(env.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			a.Seq, a.ID, a.Timestamp, a.Actor, string(a.Action), nullString(a.Target), nullString(a.StreamID),
			string(a.Decision), a.Reason, a.AccessibilityDriven, nullString(a.ParentID),
			pq.Array(a.InvariantsChecked), string(violations), string(metadata),
		); err != nil {
			return fmt.Errorf("insert attestation %d: %w", a.Seq, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of mirrored attestations.
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(p.table))).Scan(&n)
	return n, err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
