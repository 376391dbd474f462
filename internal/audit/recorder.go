package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kshalu/fraudscope/internal/circuitbreaker"
	"github.com/kshalu/fraudscope/internal/idgen"
	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/retry"
)

// Config controls stream sharding and write retries.
type Config struct {
	Streams      int           `koanf:"streams"`
	MaxAttempts  int           `koanf:"max_attempts"`
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCoolDown  time.Duration `koanf:"breaker_cool_down"`
}

func DefaultConfig() Config {
	return Config{
		Streams:          4,
		MaxAttempts:      5,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         250 * time.Millisecond,
		WriteTimeout:     2 * time.Second,
		BreakerThreshold: 5,
		BreakerCoolDown:  5 * time.Second,
	}
}

type cursor struct {
	loaded bool
	seq    int64
	hash   string
}

// Recorder seals records into their stream's chain and commits them. Each
// stream has exactly one writer at a time; the cursor moves only after the
// store confirms the append.
type Recorder struct {
	cfg      Config
	store    Store
	signer   *Signer
	fallback Fallback
	alerter  Alerter
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	now      func() time.Time

	locks   []sync.Mutex
	cursors []cursor
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithSigner(s *Signer) Option { return func(r *Recorder) { r.signer = s } }

func WithFallback(f Fallback) Option { return func(r *Recorder) { r.fallback = f } }

func WithAlerter(a Alerter) Option { return func(r *Recorder) { r.alerter = a } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Recorder {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		cfg:     cfg,
		store:   store,
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCoolDown),
		logger:  logger.With("component", "audit"),
		now:     time.Now,
		locks:   make([]sync.Mutex, cfg.Streams),
		cursors: make([]cursor, cfg.Streams),
	}
	r.alerter = LogAlerter{Logger: r.logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Streams() int { return r.cfg.Streams }

func (r *Recorder) Store() Store { return r.store }

func (r *Recorder) Signer() *Signer { return r.signer }

// Record seals draft into its account's stream and appends it. Caller
// cancellation does not abort the write; it is bounded by WriteTimeout.
//
// On success the committed record is returned. If the store cannot take
// the record, it goes to the fallback log, an alert is raised, and the
// sealed but uncommitted record is returned with ErrWriteFailure.
func (r *Recorder) Record(ctx context.Context, draft *Record) (*Record, error) {
	if draft == nil || draft.Transaction == nil {
		return nil, errors.New("audit: record has no transaction")
	}
	rec := draft.Clone()
	if rec.ID == "" {
		rec.ID = idgen.New()
	}
	rec.Stream = StreamFor(rec.Transaction.AccountID, r.cfg.Streams)
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now().UTC().Truncate(time.Microsecond)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	s := rec.Stream
	r.locks[s].Lock()
	defer r.locks[s].Unlock()

	err := r.commit(wctx, rec)
	if err == nil {
		metrics.AuditAppendsTotal.WithLabelValues("ok").Inc()
		return rec, nil
	}

	metrics.AuditAppendsTotal.WithLabelValues("failed").Inc()
	r.cursors[s].loaded = false
	r.alerter.Alert(ctx, "audit_write_failure", rec, err)
	if r.fallback != nil {
		if ferr := r.fallback.Write(rec); ferr != nil {
			r.alerter.Alert(ctx, "audit_fallback_failure", rec, ferr)
			return rec, fmt.Errorf("%w: %w (fallback: %v)", ErrWriteFailure, err, ferr)
		}
		metrics.AuditFallbackTotal.Inc()
	}
	return rec, fmt.Errorf("%w: %w", ErrWriteFailure, err)
}

// commit runs the append loop. Caller holds the stream lock.
func (r *Recorder) commit(ctx context.Context, rec *Record) error {
	s := rec.Stream
	cur := &r.cursors[s]
	key := "stream-" + strconv.Itoa(s)
	committed := false

	policy := retry.Policy{
		MaxAttempts: r.cfg.MaxAttempts,
		BaseDelay:   r.cfg.BaseDelay,
		MaxDelay:    r.cfg.MaxDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.AuditRetriesTotal.Inc()
			r.logger.Warn("audit append retry",
				"stream", s, "attempt", attempt, "wait", wait, "error", err)
		},
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		if !cur.loaded {
			head, err := r.store.Head(ctx, s)
			if err != nil {
				return err
			}
			if head != nil && head.ID == rec.ID {
				// An earlier attempt landed even though it reported failure.
				*rec = *head
				committed = true
			}
			r.setCursor(cur, head)
		}
		if committed {
			return nil
		}
		if err := r.seal(rec, cur); err != nil {
			return retry.Permanent(err)
		}

		var conflict error
		err := r.breaker.Execute(key, func() error {
			err := r.store.Append(ctx, rec)
			if errors.Is(err, ErrSequenceConflict) {
				conflict = err
				return nil
			}
			return err
		})
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(ErrStoreUnavailable)
		case err != nil:
			return err
		case conflict != nil:
			// Someone else holds this position; re-read the head.
			cur.loaded = false
			return conflict
		}
		cur.seq, cur.hash = rec.Sequence, rec.Hash
		return nil
	})
}

func (r *Recorder) setCursor(cur *cursor, head *Record) {
	cur.loaded = true
	if head == nil {
		cur.seq, cur.hash = 0, GenesisHash
		return
	}
	cur.seq, cur.hash = head.Sequence, head.Hash
}

func (r *Recorder) seal(rec *Record, cur *cursor) error {
	rec.Sequence = cur.seq + 1
	rec.PrevHash = cur.hash
	hash, err := rec.ComputeHash()
	if err != nil {
		return fmt.Errorf("audit: hash record: %w", err)
	}
	rec.Hash = hash
	rec.Signature = r.signer.Sign(hash)
	return nil
}
