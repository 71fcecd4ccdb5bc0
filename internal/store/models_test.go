package store

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTxStateCanAdvance(t *testing.T) {
	tests := []struct {
		from, to TxState
		want     bool
	}{
		{TxInitiated, TxInProgress, true},
		{TxInitiated, TxFailed, true},
		{TxInProgress, TxCompleted, true},
		{TxInProgress, TxFailed, true},
		{TxInProgress, TxInProgress, true},
		{TxCompleted, TxInitiated, false},
		{TxCompleted, TxFailed, false},
		{TxFailed, TxCompleted, false},
		{TxInProgress, TxInitiated, false},
		{TxInitiated, TxState("bogus"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvance(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPriceAlertCrossed(t *testing.T) {
	above := PriceAlert{Direction: DirectionAbove, PriceLevel: decimal.NewFromInt(30)}
	below := PriceAlert{Direction: DirectionBelow, PriceLevel: decimal.NewFromInt(30)}

	assert.True(t, above.Crossed(decimal.NewFromInt(30)))
	assert.True(t, above.Crossed(decimal.NewFromFloat(30.01)))
	assert.False(t, above.Crossed(decimal.NewFromFloat(29.99)))

	assert.True(t, below.Crossed(decimal.NewFromInt(30)))
	assert.True(t, below.Crossed(decimal.NewFromInt(12)))
	assert.False(t, below.Crossed(decimal.NewFromFloat(30.5)))
}

func TestPriceAlertExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	assert.False(t, PriceAlert{}.Expired(now), "nil expiry never expires")
	assert.True(t, PriceAlert{Expiry: &past}.Expired(now))
	assert.False(t, PriceAlert{Expiry: &now}.Expired(now), "expiry is exclusive")
}

func TestStaleDataErrorUnwrap(t *testing.T) {
	err := &StaleDataError{Source: "health", Err: ErrTransport}
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Contains(t, err.Error(), "no data yet")
}

func TestSubjectShort(t *testing.T) {
	assert.Equal(t, "0xabc", Subject("0xabc").Short())
	assert.Equal(t, "0x1234...cdef", Subject("0x1234567890abcdef").Short())
}
