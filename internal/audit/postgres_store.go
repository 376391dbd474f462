package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists audit records in PostgreSQL. The canonical
// content is stored verbatim as text so hashes recompute byte for byte;
// the other columns exist for lookup.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks connectivity. Used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	content, err := rec.Content()
	if err != nil {
		return fmt.Errorf("audit: encode content: %w", err)
	}
	var modelVersion string
	if rec.Score != nil {
		modelVersion = rec.Score.ModelVersion
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, stream, sequence, transaction_id, account_id,
			outcome, degraded, failure_kind, model_version,
			prev_hash, hash, signature, content, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Stream, rec.Sequence, rec.Transaction.ID, rec.Transaction.AccountID,
		string(rec.Decision.Outcome), rec.Decision.Degraded, nullString(rec.FailureKind), nullString(modelVersion),
		rec.PrevHash, rec.Hash, nullString(rec.Signature), string(content), rec.RecordedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Same id already stored: fine if it is the same record.
	var hash string
	err = p.db.QueryRowContext(ctx, `SELECT hash FROM audit_records WHERE id = $1`, rec.ID).Scan(&hash)
	if err != nil {
		return err
	}
	if hash != rec.Hash {
		return ErrSequenceConflict
	}
	return nil
}

const selectRecord = `
	SELECT prev_hash, hash, signature, content
	FROM audit_records`

func (p *PostgresStore) Head(ctx context.Context, stream int) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectRecord+`
		WHERE stream = $1
		ORDER BY sequence DESC
		LIMIT 1`, stream)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) FindByTransaction(ctx context.Context, txID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectRecord+`
		WHERE transaction_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`, txID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) List(ctx context.Context, stream int, afterSeq int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, selectRecord+`
		WHERE stream = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`, stream, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		prevHash, hash, content string
		signature               sql.NullString
	)
	if err := sc.Scan(&prevHash, &hash, &signature, &content); err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(content), rec); err != nil {
		return nil, fmt.Errorf("audit: decode content: %w", err)
	}
	rec.PrevHash = prevHash
	rec.Hash = hash
	rec.Signature = signature.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
