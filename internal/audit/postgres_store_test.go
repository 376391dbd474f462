package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshalu/fraudscope/internal/testutil"
)

func TestPostgresStore_ChainRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	r := newTestRecorder(store, WithSigner(NewSigner("pg")))

	var last *Record
	for i := 1; i <= 4; i++ {
		rec, err := r.Record(ctx, draftFor("acct-pg", i))
		require.NoError(t, err)
		last = rec
	}

	report, err := NewVerifier(NewSigner("pg")).VerifyStream(ctx, store, last.Stream, 3)
	require.NoError(t, err)
	assert.True(t, report.Valid, "%+v", report.Breaks)
	assert.Equal(t, 4, report.Records)

	got, err := store.FindByTransaction(ctx, last.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, last.Hash, got.Hash)
	assert.True(t, got.Transaction.Amount.Equal(last.Transaction.Amount))
}

func TestPostgresStore_AppendIsIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	rec, err := newTestRecorder(store).Record(ctx, draftFor("acct-pg", 1))
	require.NoError(t, err)

	assert.NoError(t, store.Append(ctx, rec))

	other := draftFor("acct-pg", 2)
	other.ID = "00000000-0000-0000-0000-000000000001"
	other.Stream, other.Sequence = rec.Stream, rec.Sequence
	other.PrevHash = GenesisHash
	other.Hash, _ = other.ComputeHash()
	assert.ErrorIs(t, store.Append(ctx, other), ErrSequenceConflict)

	_, err = db.ExecContext(ctx, `UPDATE audit_records SET outcome = 'block' WHERE id = $1`, rec.ID)
	assert.Error(t, err, "audit table must reject updates")
}
