package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProvince(t *testing.T) {
	assert.Equal(t, "guangdong", NormalizeProvince("  Guangdong "))
	assert.Equal(t, "jiangsu", NormalizeProvince("JIANGSU"))
	assert.Equal(t, "", NormalizeProvince("   "))
}

func TestTickContext(t *testing.T) {
	price := 505.0
	volume := 1200.0
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	tick := Tick{
		Province:   "guangdong",
		MarketType: MarketSpot,
		Price:      &price,
		Volume:     &volume,
		Timestamp:  ts,
	}
	require.True(t, tick.HasPrice())
	require.True(t, tick.HasVolume())

	ctx := tick.Context()
	assert.Equal(t, "guangdong", ctx["province"])

	nested, ok := ctx["market"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 505.0, nested["price"])
	assert.Equal(t, 1200.0, nested["volume"])
}

func TestTickContextOmitsMissingFields(t *testing.T) {
	tick := Tick{Province: "jiangsu", MarketType: MarketAncillary, Timestamp: time.Now()}
	assert.False(t, tick.HasPrice())

	nested, ok := tick.Context()["market"].(map[string]any)
	require.True(t, ok)
	_, hasPrice := nested["price"]
	assert.False(t, hasPrice)
}
