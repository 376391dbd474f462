package audit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n appends.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, rec *Record) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, rec)
}

// lostAckStore commits the first append but reports it as failed.
type lostAckStore struct {
	*MemoryStore
	lost atomic.Bool
}

func (l *lostAckStore) Append(ctx context.Context, rec *Record) error {
	if err := l.MemoryStore.Append(ctx, rec); err != nil {
		return err
	}
	if l.lost.CompareAndSwap(false, true) {
		return errors.New("timeout reading response")
	}
	return nil
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) Alert(ctx context.Context, reason string, rec *Record, err error) {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
}

func TestRecorder_ChainsRecordsInStream(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(store)
	ctx := context.Background()

	var prev *Record
	for i := 1; i <= 3; i++ {
		rec, err := r.Record(ctx, draftFor("acct-1", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Sequence)
		assert.Equal(t, StreamFor("acct-1", r.Streams()), rec.Stream)
		assert.NotEmpty(t, rec.ID)
		if prev == nil {
			assert.Equal(t, GenesisHash, rec.PrevHash)
		} else {
			assert.Equal(t, prev.Hash, rec.PrevHash)
		}
		prev = rec
	}

	head, err := store.Head(ctx, prev.Stream)
	require.NoError(t, err)
	assert.Equal(t, prev.Hash, head.Hash)
}

func TestRecorder_ConcurrentWritersKeepChainsValid(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(store)
	ctx := context.Background()

	accounts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, acct := range accounts {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Record(ctx, draftFor(acct, i))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	v := NewVerifier(nil)
	total := 0
	for s := 0; s < r.Streams(); s++ {
		report, err := v.VerifyStream(ctx, store, s, 7)
		require.NoError(t, err)
		assert.True(t, report.Valid, "stream %d: %+v", s, report.Breaks)
		total += report.Records
	}
	assert.Equal(t, len(accounts)*25, total)
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	r := newTestRecorder(store)

	rec, err := r.Record(context.Background(), draftFor("acct-1", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestRecorder_LostAckIsNotDuplicated(t *testing.T) {
	store := &lostAckStore{MemoryStore: NewMemoryStore()}
	r := newTestRecorder(store)
	ctx := context.Background()

	first, err := r.Record(ctx, draftFor("acct-1", 1))
	require.NoError(t, err)
	second, err := r.Record(ctx, draftFor("acct-1", 2))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	records, err := store.List(ctx, first.Stream, 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecorder_RecoversFromForeignWriter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r1 := newTestRecorder(store)
	r2 := newTestRecorder(store)

	_, err := r1.Record(ctx, draftFor("acct-1", 1))
	require.NoError(t, err)
	_, err = r2.Record(ctx, draftFor("acct-1", 2))
	require.NoError(t, err)
	// r1's cursor is stale now; the conflict makes it re-read the head.
	rec, err := r1.Record(ctx, draftFor("acct-1", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Sequence)

	report, err := NewVerifier(nil).VerifyStream(ctx, store, rec.Stream, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRecorder_ExhaustionGoesToFallback(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1000)
	path := filepath.Join(t.TempDir(), "audit-fallback.jsonl")
	fb, err := NewFileFallback(path)
	require.NoError(t, err)
	alerts := &recordingAlerter{}

	r := newTestRecorder(store, WithFallback(fb), WithAlerter(alerts))
	rec, err := r.Record(context.Background(), draftFor("acct-1", 1))
	require.ErrorIs(t, err, ErrWriteFailure)
	require.NotNil(t, rec)
	assert.Contains(t, alerts.reasons, "audit_write_failure")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	saved, err := ReadFallback(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)
	assert.Equal(t, rec.Hash, saved[0].Hash)

	head, err := store.Head(context.Background(), rec.Stream)
	require.NoError(t, err)
	assert.Nil(t, head, "nothing committed")
}

func TestRecorder_CursorUnchangedAfterFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	r := newTestRecorder(store)
	ctx := context.Background()

	_, err := r.Record(ctx, draftFor("acct-1", 1))
	require.NoError(t, err)

	store.failures.Store(1000)
	_, err = r.Record(ctx, draftFor("acct-1", 2))
	require.ErrorIs(t, err, ErrWriteFailure)

	store.failures.Store(0)
	rec, err := r.Record(ctx, draftFor("acct-1", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence, "failed write must not consume a sequence")
}

func TestRecorder_IgnoresCallerCancellation(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := r.Record(ctx, draftFor("acct-1", 1))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
}

func TestRecorder_SignsWhenConfigured(t *testing.T) {
	signer := NewSigner("k")
	r := newTestRecorder(NewMemoryStore(), WithSigner(signer))
	rec, err := r.Record(context.Background(), draftFor("acct-1", 1))
	require.NoError(t, err)
	assert.True(t, signer.Verify(rec.Hash, rec.Signature))
}

func TestRecorder_RejectsMissingTransaction(t *testing.T) {
	r := newTestRecorder(NewMemoryStore())
	_, err := r.Record(context.Background(), &Record{})
	assert.Error(t, err)
}

func TestRecorder_OpenBreakerFailsFast(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1000)
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxAttempts = 3
	cfg.BreakerThreshold = 3
	r := NewRecorder(store, cfg, nil, WithAlerter(&recordingAlerter{}))
	ctx := context.Background()

	_, err := r.Record(ctx, draftFor("acct-1", 1))
	require.ErrorIs(t, err, ErrWriteFailure)
	assert.Equal(t, int32(3), store.calls.Load())

	_, err = r.Record(ctx, draftFor("acct-1", 2))
	require.ErrorIs(t, err, ErrWriteFailure)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int32(3), store.calls.Load(), "open circuit must not reach the store")
}
