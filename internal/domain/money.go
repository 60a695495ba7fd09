/**
 * @description
 * This file defines the Money value type used for every amount in the engine.
 * Amounts are exact integers in the smallest currency unit (minor units),
 * backed by shopspring/decimal so that values of any magnitude survive
 * storage and wire round-trips without loss.
 *
 * @notes
 * - Amounts cross the wire as decimal-integer strings, never as JSON
 *   numbers, to avoid floating-point precision loss.
 * - Arithmetic never produces a fractional minor unit; parsing rejects any
 *   input that is not a plain digit sequence.
 */

package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an immutable amount in minor units tagged with a currency code.
// Transition deltas may carry a negative amount; everywhere a Money value
// represents a transaction amount it must satisfy Validate.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money value from an int64 minor-unit amount.
func NewMoney(minorUnits int64, currency string) Money {
	return Money{Amount: decimal.NewFromInt(minorUnits), Currency: currency}
}

// ParseMoney parses a decimal-integer string into a Money value. Anything
// other than a plain non-negative digit sequence is rejected, including
// signs, decimal points, exponents and whitespace.
func ParseMoney(amount, currency string) (Money, error) {
	if amount == "" {
		return Money{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	for i := 0; i < len(amount); i++ {
		if amount[i] < '0' || amount[i] > '9' {
			return Money{}, fmt.Errorf("%w: amount %q is not a digit sequence", ErrInvalidAmount, amount)
		}
	}
	if currency == "" {
		return Money{}, fmt.Errorf("%w: missing currency", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// Validate reports whether the value is usable as a transaction amount:
// a whole, non-negative number of minor units with a currency code.
func (m Money) Validate() error {
	if m.Currency == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidAmount)
	}
	if !m.Amount.IsInteger() {
		return fmt.Errorf("%w: fractional minor units", ErrInvalidAmount)
	}
	if m.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	return nil
}

// Add returns m + other. It fails when the currencies differ.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. It fails when the currencies differ. The result
// may be negative; callers that require a non-negative amount must check.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Neg returns the additive inverse, used for account deltas.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Cmp compares two amounts of the same currency: -1, 0 or +1.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// String renders the amount as a decimal-integer string, the only form in
// which amounts are stored or transmitted.
func (m Money) String() string {
	return m.Amount.String()
}
