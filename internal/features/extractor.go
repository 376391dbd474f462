package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/retry"
	"github.com/kshalu/fraudscope/internal/syncutil"
	"github.com/kshalu/fraudscope/internal/transaction"
)

const (
	// minStdDev floors the z-score denominator for accounts with very
	// uniform spending, in currency units.
	minStdDev = 1.0
	// minTravel floors the elapsed time used for implied travel speed.
	minTravel = time.Minute
)

// Extractor computes fv1 vectors and maintains account profiles.
type Extractor struct {
	cfg    Config
	store  ProfileStore
	locks  *syncutil.KeyedMutex
	retry  retry.Policy
	logger *slog.Logger
}

// NewExtractor creates an extractor backed by store.
func NewExtractor(cfg Config, store ProfileStore, logger *slog.Logger) *Extractor {
	if cfg.Buckets <= 0 {
		cfg.Buckets = DefaultConfig().Buckets
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		cfg:    cfg,
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		retry:  retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		logger: logger,
	}
}

// Extract computes the feature vector for tx from the account's history as
// it stood before tx, then folds tx into the profile. Concurrent calls for
// the same account are serialized; calls for different accounts are not.
func (e *Extractor) Extract(ctx context.Context, tx *transaction.Transaction) (*Vector, error) {
	if tx.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidTransaction)
	}

	unlock, err := e.locks.LockContext(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var vec *Vector
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		p, err := e.store.Load(ctx, tx.AccountID)
		if errors.Is(err, ErrProfileNotFound) {
			p = NewProfile(tx.AccountID, e.cfg)
		} else if err != nil {
			return retry.Permanent(err)
		}
		p.conform(e.cfg)

		if err := e.checkOrder(p, tx); err != nil {
			return retry.Permanent(err)
		}

		p.advance(tx.Timestamp)
		vec = e.compute(p, tx)
		p.Observe(tx)

		if err := e.store.Save(ctx, p); err != nil {
			if errors.Is(err, ErrProfileConflict) {
				metrics.ProfileConflictsTotal.Inc()
				e.logger.Debug("profile revision conflict, retrying", "account", tx.AccountID)
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *Extractor) checkOrder(p *Profile, tx *transaction.Transaction) error {
	if p.LastSeen.IsZero() {
		return nil
	}
	if tx.Timestamp.Before(p.LastSeen.Add(-e.cfg.ClockSkew)) {
		return fmt.Errorf("%w: timestamp %s precedes last seen %s beyond %s skew",
			ErrInvalidTransaction, tx.Timestamp.Format(time.RFC3339Nano),
			p.LastSeen.Format(time.RFC3339Nano), e.cfg.ClockSkew)
	}
	return nil
}

// compute derives fv1 from the pre-transaction profile p.
func (e *Extractor) compute(p *Profile, tx *transaction.Transaction) *Vector {
	v := NewVector(tx.ID)
	amt := tx.AmountFloat()

	if mean, ok := p.Long.Mean(); ok && p.Long.Count >= e.cfg.MinHistory {
		v.Set(idxAmountZScore, (amt-mean)/math.Max(p.Long.StdDev(), minStdDev))
	}

	if mean, ok := p.Day.Mean(); ok {
		v.Set(idxAmountToDayAvg, amt/math.Max(mean, minStdDev))
	}

	v.Set(idxVelocityShort, float64(p.Short.Count))
	v.Set(idxVelocityDay, float64(p.Day.Count))

	if p.LastLocation != nil && tx.Location != nil {
		dist := HaversineKm(*p.LastLocation, *tx.Location)
		v.Set(idxGeoDistanceKm, dist)

		elapsed := tx.Timestamp.Sub(p.LastSeen)
		if elapsed < minTravel {
			elapsed = minTravel
		}
		v.Set(idxGeoSpeedKmh, dist/elapsed.Hours())
	}

	if p.TxnCount > 0 {
		share := float64(p.Categories[tx.MerchantCategory]) / float64(p.TxnCount)
		v.Set(idxCategoryRarity, 1-share)
	}

	if tx.CardNotPresent() {
		v.Set(idxCardNotPresent, 1)
	} else {
		v.Set(idxCardNotPresent, 0)
	}
	return v
}
