// Package idgen generates identifiers for audit records and rejection events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7, so record ids sort roughly by creation.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "rej_0190...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}
