package detector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

const wallet = store.Subject("0xWallet")

var t0 = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func hours(h float64) *float64 { return &h }

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAlertFiresExactlyOnce(t *testing.T) {
	e := NewAlertEngine(metrics.NewTracker())

	id, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove}, t0)
	require.NoError(t, err)

	assert.Empty(t, e.Evaluate(wallet, price("29.99"), t0), "below threshold must not fire")

	fired := e.Evaluate(wallet, price("30"), t0)
	require.Len(t, fired, 1)
	assert.Equal(t, id, fired[0].ID)
	assert.False(t, fired[0].Armed)

	for _, p := range []string{"30", "31", "45.5", "30"} {
		assert.Empty(t, e.Evaluate(wallet, price(p), t0), "re-evaluation at %s must not re-fire", p)
	}
	assert.Empty(t, e.Alerts(wallet))
}

func TestBelowAlert(t *testing.T) {
	e := NewAlertEngine(nil)

	_, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("20"), Direction: store.DirectionBelow}, t0)
	require.NoError(t, err)

	assert.Empty(t, e.Evaluate(wallet, price("20.01"), t0))
	assert.Len(t, e.Evaluate(wallet, price("19"), t0), 1)
}

func TestEvaluateOrderAndIsolation(t *testing.T) {
	e := NewAlertEngine(nil)

	first, _ := e.AddAlert(wallet, AlertSpec{PriceLevel: price("40"), Direction: store.DirectionAbove}, t0)
	second, _ := e.AddAlert(wallet, AlertSpec{PriceLevel: price("10"), Direction: store.DirectionAbove}, t0)
	_, _ = e.AddAlert("0xOther", AlertSpec{PriceLevel: price("10"), Direction: store.DirectionAbove}, t0)

	fired := e.Evaluate(wallet, price("50"), t0)
	require.Len(t, fired, 2)
	assert.Equal(t, first, fired[0].ID, "fire order follows creation, not price level")
	assert.Equal(t, second, fired[1].ID)

	assert.Len(t, e.Alerts("0xOther"), 1, "other subjects are untouched")
}

func TestRemoveExpiredIsSilent(t *testing.T) {
	e := NewAlertEngine(nil)

	_, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove, ExpiryHours: hours(1)}, t0)
	require.NoError(t, err)
	keep, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove}, t0)
	require.NoError(t, err)

	later := t0.Add(time.Hour + time.Nanosecond)
	assert.Equal(t, 1, e.RemoveExpired(wallet, later))

	fired := e.Evaluate(wallet, price("35"), later)
	require.Len(t, fired, 1)
	assert.Equal(t, keep, fired[0].ID)
}

func TestEvaluateSkipsExpired(t *testing.T) {
	e := NewAlertEngine(nil)

	_, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove, ExpiryHours: hours(0.5)}, t0)
	require.NoError(t, err)

	assert.Empty(t, e.Evaluate(wallet, price("100"), t0.Add(time.Hour)))
	assert.Empty(t, e.Alerts(wallet))
}

func TestZeroExpiryNeverExpires(t *testing.T) {
	e := NewAlertEngine(nil)

	_, err := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove, ExpiryHours: hours(0)}, t0)
	require.NoError(t, err)

	alerts := e.Alerts(wallet)
	require.Len(t, alerts, 1)
	assert.Nil(t, alerts[0].Expiry)
	assert.Zero(t, e.RemoveExpired(wallet, t0.Add(24*365*time.Hour)))
}

func TestAddAlertValidation(t *testing.T) {
	tests := []struct {
		name string
		spec AlertSpec
	}{
		{"zero price", AlertSpec{PriceLevel: decimal.Zero, Direction: store.DirectionAbove}},
		{"negative price", AlertSpec{PriceLevel: price("-1"), Direction: store.DirectionAbove}},
		{"bad direction", AlertSpec{PriceLevel: price("1"), Direction: "sideways"}},
		{"negative expiry", AlertSpec{PriceLevel: price("1"), Direction: store.DirectionBelow, ExpiryHours: hours(-1)}},
		{"nan expiry", AlertSpec{PriceLevel: price("1"), Direction: store.DirectionBelow, ExpiryHours: hours(math.NaN())}},
		{"inf expiry", AlertSpec{PriceLevel: price("1"), Direction: store.DirectionBelow, ExpiryHours: hours(math.Inf(1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAlertEngine(nil)
			id, err := e.AddAlert(wallet, tt.spec, t0)
			assert.True(t, errors.Is(err, store.ErrInvalidAlertSpec), "got %v", err)
			assert.Empty(t, id)
			assert.Empty(t, e.Alerts(wallet), "nothing is created on validation failure")
		})
	}
}

func TestParseAlertSpec(t *testing.T) {
	spec, err := ParseAlertSpec(" 32.5 ", "Above", "24")
	require.NoError(t, err)
	assert.True(t, spec.PriceLevel.Equal(price("32.5")))
	assert.Equal(t, store.DirectionAbove, spec.Direction)
	require.NotNil(t, spec.ExpiryHours)
	assert.Equal(t, 24.0, *spec.ExpiryHours)

	spec, err = ParseAlertSpec("10", "below", "")
	require.NoError(t, err)
	assert.Nil(t, spec.ExpiryHours)

	for _, in := range [][3]string{{"abc", "above", ""}, {"NaN", "above", ""}, {"10", "above", "soon"}, {"0", "below", "1"}} {
		_, err := ParseAlertSpec(in[0], in[1], in[2])
		assert.ErrorIs(t, err, store.ErrInvalidAlertSpec, "input %v", in)
	}
}

func TestRemoveAlert(t *testing.T) {
	e := NewAlertEngine(nil)
	id, _ := e.AddAlert(wallet, AlertSpec{PriceLevel: price("30"), Direction: store.DirectionAbove}, t0)

	assert.False(t, e.RemoveAlert(wallet, "missing"))
	assert.True(t, e.RemoveAlert(wallet, id))
	assert.Empty(t, e.Evaluate(wallet, price("99"), t0))
}

func TestPendingAlertFiresOnlyOnceArmed(t *testing.T) {
	e := NewAlertEngine(nil)

	alert, err := e.AddPending(wallet, AlertSpec{PriceLevel: price("20"), Direction: store.DirectionAbove}, t0)
	require.NoError(t, err)
	assert.False(t, alert.Armed)

	assert.Empty(t, e.Evaluate(wallet, price("25"), t0))
	assert.Empty(t, e.Alerts(wallet))

	require.True(t, e.Arm(wallet, alert.ID))
	require.Len(t, e.Alerts(wallet), 1)

	fired := e.Evaluate(wallet, price("25"), t0)
	require.Len(t, fired, 1)
	assert.Equal(t, alert.ID, fired[0].ID)
}

func TestArmRemovedAlert(t *testing.T) {
	e := NewAlertEngine(nil)

	alert, err := e.AddPending(wallet, AlertSpec{PriceLevel: price("20"), Direction: store.DirectionAbove}, t0)
	require.NoError(t, err)
	require.True(t, e.RemoveAlert(wallet, alert.ID))

	assert.False(t, e.Arm(wallet, alert.ID))
	assert.Empty(t, e.Evaluate(wallet, price("25"), t0))
}

func TestFiredNotification(t *testing.T) {
	alert := store.PriceAlert{ID: "alert_1", PriceLevel: price("30"), Direction: store.DirectionAbove}
	n := FiredNotification(alert, price("31.2"), t0)

	assert.Equal(t, store.NotifySystemAlert, n.Type)
	assert.Equal(t, store.PriorityHigh, n.Priority)
	assert.Equal(t, "Price Alert: AVAX price above $30", n.Message)
	assert.Equal(t, "31.2", n.Data["current_price"])
	assert.Equal(t, t0, n.Timestamp)
}
