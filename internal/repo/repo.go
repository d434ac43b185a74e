// Package repo stores attestations, snapshots and API keys in SQLite.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"registrar/internal/attest"
	"registrar/internal/codec"
	"registrar/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// tsLayout is fixed width so that timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const attestationColumns = `seq,id,ts,actor,action,COALESCE(target,''),COALESCE(stream_id,''),decision,reason,
COALESCE(request_reason,''),accessibility_driven,COALESCE(parent_id,''),invariants_json,violations_json,metadata_cbor`

// InsertAttestations stores a batch in one transaction. Rows already
// present (same seq) are skipped so redelivered batches are harmless.
func (r Repo) InsertAttestations(ctx context.Context, batch []domain.Attestation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO attestations(seq,id,ts,actor,action,target,stream_id,decision,reason,
request_reason,accessibility_driven,parent_id,invariants_json,violations_json,metadata_cbor)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(seq) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range batch {
		invariants, err := json.Marshal(a.InvariantsChecked)
		if err != nil {
			return fmt.Errorf("marshal invariants: %w", err)
		}
		violations, err := json.Marshal(nonNil(a.Violations))
		if err != nil {
			return fmt.Errorf("marshal violations: %w", err)
		}
		meta, err := codec.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			a.Seq, a.ID, a.Timestamp.UTC().Format(tsLayout), a.Actor, string(a.Action),
			nullable(a.Target), nullable(a.StreamID), string(a.Decision), a.Reason,
			nullable(a.RequestReason), a.AccessibilityDriven, nullable(a.ParentID),
			string(invariants), string(violations), meta,
		); err != nil {
			return fmt.Errorf("insert attestation %d: %w", a.Seq, err)
		}
	}
	return tx.Commit()
}

// ListAttestations returns matching attestations in sequence order.
func (r Repo) ListAttestations(ctx context.Context, f attest.Filter) ([]domain.Attestation, error) {
	var where []string
	var args []any
	if f.Actor != "" {
		where = append(where, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where = append(where, "action=?")
		args = append(args, string(f.Action))
	}
	if f.Target != "" {
		where = append(where, "(target=? OR stream_id=?)")
		args = append(args, f.Target, f.Target)
	}
	if f.Decision != "" {
		where = append(where, "decision=?")
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts>=?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq>?")
		args = append(args, f.AfterSeq)
	}
	if f.AccessibilityDriven != nil {
		where = append(where, "accessibility_driven=?")
		args = append(args, *f.AccessibilityDriven)
	}
	query := `SELECT ` + attestationColumns + ` FROM attestations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Attestation{}
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetAttestation returns the attestation with id.
func (r Repo) GetAttestation(ctx context.Context, id string) (domain.Attestation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE id=?`, id)
	if err != nil {
		return domain.Attestation{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Attestation{}, err
		}
		return domain.Attestation{}, ErrNotFound
	}
	return scanAttestation(rows)
}

// LastSeq returns the highest stored sequence number, 0 when empty.
func (r Repo) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM attestations`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func scanAttestation(rows *sql.Rows) (domain.Attestation, error) {
	var a domain.Attestation
	var ts, action, decision, invariants, violations string
	var meta []byte
	if err := rows.Scan(&a.Seq, &a.ID, &ts, &a.Actor, &action, &a.Target, &a.StreamID, &decision, &a.Reason,
		&a.RequestReason, &a.AccessibilityDriven, &a.ParentID, &invariants, &violations, &meta); err != nil {
		return a, err
	}
	var err error
	if a.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
		return a, fmt.Errorf("attestation %d: parse ts: %w", a.Seq, err)
	}
	a.Action = domain.Action(action)
	a.Decision = domain.DecisionKind(decision)
	if err := json.Unmarshal([]byte(invariants), &a.InvariantsChecked); err != nil {
		return a, fmt.Errorf("attestation %d: invariants: %w", a.Seq, err)
	}
	if err := json.Unmarshal([]byte(violations), &a.Violations); err != nil {
		return a, fmt.Errorf("attestation %d: violations: %w", a.Seq, err)
	}
	if len(a.Violations) == 0 {
		a.Violations = nil
	}
	if err := codec.Unmarshal(meta, &a.Metadata); err != nil {
		return a, fmt.Errorf("attestation %d: metadata: %w", a.Seq, err)
	}
	return a, nil
}

// SnapshotRecord is a stored, encoded snapshot.
type SnapshotRecord struct {
	ID          int64
	Version     string
	TakenAt     time.Time
	LastSeq     int64
	Fingerprint string
	Body        []byte
}

func (r Repo) InsertSnapshot(ctx context.Context, s SnapshotRecord) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO snapshots(version,taken_at,last_seq,fingerprint,body) VALUES (?,?,?,?,?)`,
		s.Version, s.TakenAt.UTC().Format(tsLayout), s.LastSeq, s.Fingerprint, s.Body)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the most recently stored snapshot.
func (r Repo) LatestSnapshot(ctx context.Context) (SnapshotRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,version,taken_at,last_seq,fingerprint,body FROM snapshots ORDER BY id DESC LIMIT 1`)
	var s SnapshotRecord
	var takenAt string
	err := row.Scan(&s.ID, &s.Version, &takenAt, &s.LastSeq, &s.Fingerprint, &s.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.TakenAt, err = time.Parse(tsLayout, takenAt)
	return s, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil(vs []domain.Violation) []domain.Violation {
	if vs == nil {
		return []domain.Violation{}
	}
	return vs
}
