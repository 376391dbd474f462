package features

import (
	"time"

	"github.com/kshalu/fraudscope/internal/transaction"
)

// Profile is the rolling per-account aggregate. It is the only mutable
// state in the scoring path and is written under the account's lock.
type Profile struct {
	AccountID    string                `json:"accountId"`
	Short        Window                `json:"short"`
	Day          Window                `json:"day"`
	Long         Window                `json:"long"`
	Categories   map[string]int64      `json:"categories"`
	LastLocation *transaction.Location `json:"lastLocation,omitempty"`
	LastSeen     time.Time             `json:"lastSeen"`
	TxnCount     int64                 `json:"txnCount"`
	// Revision increments on every save; stores use it for optimistic checks.
	Revision int64 `json:"revision"`
}

// NewProfile returns an empty profile shaped by cfg.
func NewProfile(accountID string, cfg Config) *Profile {
	p := &Profile{AccountID: accountID, Categories: make(map[string]int64)}
	p.conform(cfg)
	return p
}

// conform resets any window whose horizon no longer matches cfg.
func (p *Profile) conform(cfg Config) {
	if !p.Short.matches(cfg.ShortWindow, cfg.Buckets) {
		p.Short = NewWindow(cfg.ShortWindow, cfg.Buckets)
	}
	if !p.Day.matches(cfg.DayWindow, cfg.Buckets) {
		p.Day = NewWindow(cfg.DayWindow, cfg.Buckets)
	}
	if !p.Long.matches(cfg.LongWindow, cfg.Buckets) {
		p.Long = NewWindow(cfg.LongWindow, cfg.Buckets)
	}
	if p.Categories == nil {
		p.Categories = make(map[string]int64)
	}
}

// advance expires window buckets as of t without recording anything.
func (p *Profile) advance(t time.Time) {
	p.Short.Advance(t)
	p.Day.Advance(t)
	p.Long.Advance(t)
}

// Observe folds tx into the aggregates.
func (p *Profile) Observe(tx *transaction.Transaction) {
	amt := tx.AmountFloat()
	p.Short.Add(tx.Timestamp, amt)
	p.Day.Add(tx.Timestamp, amt)
	p.Long.Add(tx.Timestamp, amt)
	p.Categories[tx.MerchantCategory]++
	if tx.Location != nil {
		loc := *tx.Location
		p.LastLocation = &loc
	}
	if tx.Timestamp.After(p.LastSeen) {
		p.LastSeen = tx.Timestamp
	}
	p.TxnCount++
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Short = p.Short.clone()
	cp.Day = p.Day.clone()
	cp.Long = p.Long.clone()
	cp.Categories = make(map[string]int64, len(p.Categories))
	for k, v := range p.Categories {
		cp.Categories[k] = v
	}
	if p.LastLocation != nil {
		loc := *p.LastLocation
		cp.LastLocation = &loc
	}
	return &cp
}
