// Package features turns a transaction plus the account's rolling history
// into a fixed-shape, version-tagged feature vector.
package features

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransaction is returned when a transaction violates a
	// profile invariant (negative amount, timestamp too far in the past).
	ErrInvalidTransaction = errors.New("features: invalid transaction")
	// ErrProfileNotFound is returned by stores for accounts with no history.
	ErrProfileNotFound = errors.New("features: profile not found")
	// ErrProfileConflict is returned when a profile changed between load and save.
	ErrProfileConflict = errors.New("features: profile revision conflict")
)

// SchemaV1 is the tag of the current feature set.
const SchemaV1 = "fv1"

// Feature names in declaration order. The order is part of the schema.
const (
	AmountZScore   = "amount_zscore"
	AmountToDayAvg = "amount_to_day_avg"
	VelocityShort  = "velocity_short"
	VelocityDay    = "velocity_day"
	GeoDistanceKm  = "geo_distance_km"
	GeoSpeedKmh    = "geo_speed_kmh"
	CategoryRarity = "category_rarity"
	CardNotPresent = "card_not_present"
)

// Positions of the fv1 features.
const (
	idxAmountZScore = iota
	idxAmountToDayAvg
	idxVelocityShort
	idxVelocityDay
	idxGeoDistanceKm
	idxGeoSpeedKmh
	idxCategoryRarity
	idxCardNotPresent
)

// Names lists the fv1 features in declaration order.
var Names = []string{
	AmountZScore,
	AmountToDayAvg,
	VelocityShort,
	VelocityDay,
	GeoDistanceKm,
	GeoSpeedKmh,
	CategoryRarity,
	CardNotPresent,
}

// Index returns the position of name in the fv1 schema, or -1.
func Index(name string) int {
	for i, n := range Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Vector is the model input derived from one transaction. A feature whose
// ColdStart flag is set has no meaningful value; Values holds 0 for it and
// consumers must not read it as a measurement.
type Vector struct {
	TransactionID string    `json:"transactionId"`
	Schema        string    `json:"schema"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
	ColdStart     []bool    `json:"coldStart"`
}

// NewVector returns an all-cold fv1 vector for txID.
func NewVector(txID string) *Vector {
	v := &Vector{
		TransactionID: txID,
		Schema:        SchemaV1,
		Names:         append([]string(nil), Names...),
		Values:        make([]float64, len(Names)),
		ColdStart:     make([]bool, len(Names)),
	}
	for i := range v.ColdStart {
		v.ColdStart[i] = true
	}
	return v
}

// Len returns the number of features.
func (v *Vector) Len() int { return len(v.Values) }

// Set records a measured value.
func (v *Vector) Set(i int, value float64) {
	v.Values[i] = value
	v.ColdStart[i] = false
}

// Cold marks feature i as missing history.
func (v *Vector) Cold(i int) {
	v.Values[i] = 0
	v.ColdStart[i] = true
}

// Value returns the value for name and whether it is measured.
func (v *Vector) Value(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], !v.ColdStart[i]
		}
	}
	return 0, false
}

// CheckShape reports whether v carries the expected schema and width.
func (v *Vector) CheckShape(schema string, width int) error {
	if v == nil {
		return fmt.Errorf("nil feature vector")
	}
	if v.Schema != schema {
		return fmt.Errorf("schema %q, want %q", v.Schema, schema)
	}
	if len(v.Values) != width || len(v.ColdStart) != width {
		return fmt.Errorf("width %d, want %d", len(v.Values), width)
	}
	return nil
}

// Clone returns a deep copy.
func (v *Vector) Clone() *Vector {
	cp := *v
	cp.Names = append([]string(nil), v.Names...)
	cp.Values = append([]float64(nil), v.Values...)
	cp.ColdStart = append([]bool(nil), v.ColdStart...)
	return &cp
}

// Config holds extractor settings.
type Config struct {
	ShortWindow time.Duration `koanf:"short_window"`
	DayWindow   time.Duration `koanf:"day_window"`
	LongWindow  time.Duration `koanf:"long_window"`
	// Buckets is the number of ring slots per window.
	Buckets int `koanf:"buckets"`
	// ClockSkew is how far a timestamp may precede the account's last-seen time.
	ClockSkew time.Duration `koanf:"clock_skew"`
	// MinHistory is the transaction count below which the amount z-score is cold.
	MinHistory int64 `koanf:"min_history"`
	// MaxAttempts bounds load/save retries on revision conflicts.
	MaxAttempts int `koanf:"max_attempts"`
}

// DefaultConfig returns 1h/24h/30d windows with 60 buckets each.
func DefaultConfig() Config {
	return Config{
		ShortWindow: time.Hour,
		DayWindow:   24 * time.Hour,
		LongWindow:  30 * 24 * time.Hour,
		Buckets:     60,
		ClockSkew:   5 * time.Second,
		MinHistory:  5,
		MaxAttempts: 3,
	}
}
