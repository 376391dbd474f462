package audit

import "context"

// Store persists audit records. Append must be idempotent on record ID and
// must reject a second record at an occupied (stream, sequence) with
// ErrSequenceConflict. Head returns nil, nil for an empty stream.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Head(ctx context.Context, stream int) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	// FindByTransaction returns the latest record for a transaction id.
	FindByTransaction(ctx context.Context, txID string) (*Record, error)
	// List returns up to limit records with sequence > afterSeq, in order.
	List(ctx context.Context, stream int, afterSeq int64, limit int) ([]*Record, error)
}
