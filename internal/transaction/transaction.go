// Package transaction defines the card transaction event scored by the engine.
package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalid is returned when a transaction fails structural validation.
var ErrInvalid = errors.New("transaction: invalid")

// Channel is how the card was used.
type Channel string

const (
	ChannelCardPresent Channel = "card_present"
	ChannelOnline      Channel = "online"
)

// Location is a point on the earth in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// Transaction is an immutable card transaction event.
type Transaction struct {
	ID               string          `json:"id" validate:"required,max=128"`
	Timestamp        time.Time       `json:"timestamp" validate:"required"`
	AccountID        string          `json:"accountId" validate:"required,max=128"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,iso4217"`
	MerchantCategory string          `json:"merchantCategory" validate:"required,len=4,numeric"`
	Location         *Location       `json:"location,omitempty"`
	Channel          Channel         `json:"channel" validate:"required,oneof=card_present online"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field formats. Profile-dependent invariants such as clock
// skew are checked by the feature extractor.
func (t *Transaction) Validate() error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalid)
	}
	return nil
}

// AmountFloat returns the amount as a float64 for feature arithmetic.
func (t *Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}

// CardNotPresent reports whether the transaction was made without the card.
func (t *Transaction) CardNotPresent() bool {
	return t.Channel == ChannelOnline
}

// Decode parses and validates a JSON transaction.
func Decode(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}
