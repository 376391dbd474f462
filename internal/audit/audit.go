// Package audit keeps the append-only, hash-chained record of every
// decision. Records are spread over a fixed number of streams; each stream
// is an independent chain with a single writer.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

var (
	ErrNotFound = errors.New("audit: record not found")
	// ErrSequenceConflict is returned when a stream position is already
	// taken by a different record.
	ErrSequenceConflict = errors.New("audit: sequence conflict")
	// ErrWriteFailure is returned when a record could not be committed
	// after all retries. The record has gone to the fallback log.
	ErrWriteFailure = errors.New("audit: write failed")
	// ErrStoreUnavailable is returned while the store's circuit is open.
	ErrStoreUnavailable = errors.New("audit: store unavailable")
)

// GenesisHash is the previous hash of the first record in every stream.
var GenesisHash = strings.Repeat("0", 64)

// Record is one immutable audit entry.
type Record struct {
	ID          string                   `json:"id"`
	Stream      int                      `json:"stream"`
	Sequence    int64                    `json:"sequence"`
	Transaction *transaction.Transaction `json:"transaction"`
	Features    *features.Vector         `json:"features,omitempty"`
	Score       *model.Score             `json:"score,omitempty"`
	Explanation *explain.Explanation     `json:"explanation,omitempty"`
	Decision    policy.Decision          `json:"decision"`
	// FailureKind names the pipeline failure behind a degraded decision.
	FailureKind string    `json:"failureKind,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`

	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// Content returns the canonical serialization that is hashed. The chain
// fields are blanked so the bytes depend only on what was decided.
func (r *Record) Content() ([]byte, error) {
	c := *r
	c.PrevHash, c.Hash, c.Signature = "", "", ""
	return json.Marshal(&c)
}

// ChainHash computes sha256(prevHash || content) as hex.
func ChainHash(prevHash string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash returns the chain hash r should carry given its PrevHash.
func (r *Record) ComputeHash() (string, error) {
	content, err := r.Content()
	if err != nil {
		return "", err
	}
	return ChainHash(r.PrevHash, content), nil
}

// StreamFor maps an account to its audit stream. All of an account's
// records land in one stream, so their order is the chain order.
func StreamFor(accountID string, streams int) int {
	if streams <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(streams))
}

// Clone returns a copy that shares the immutable nested values.
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}
