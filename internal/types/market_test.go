package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, tf.Duration())

	_, err = ParseTimeframe("2d")
	assert.Error(t, err)
	assert.Zero(t, Timeframe("2d").Duration())
}

func TestBarField(t *testing.T) {
	b := Bar{Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 100}
	for _, name := range PriceFields {
		_, ok := b.Field(name)
		assert.True(t, ok, name)
	}
	v, _ := b.Field("high")
	assert.Equal(t, 3.0, v)

	_, ok := b.Field("vwap")
	assert.False(t, ok)
}

func TestSignalFromFloat(t *testing.T) {
	assert.Equal(t, SignalLong, SignalFromFloat(0.3))
	assert.Equal(t, SignalShort, SignalFromFloat(-2))
	assert.Equal(t, SignalFlat, SignalFromFloat(0))
}

func TestTradeRecomputePnL(t *testing.T) {
	long := Trade{Side: PositionSideLong, EntryPrice: 100, ExitPrice: 110, Quantity: 2, Fees: 1}
	assert.InDelta(t, 19.0, long.RecomputePnL(), 1e-9)

	short := Trade{Side: PositionSideShort, EntryPrice: 100, ExitPrice: 110, Quantity: 2, Fees: 1}
	assert.InDelta(t, -21.0, short.RecomputePnL(), 1e-9)
}
