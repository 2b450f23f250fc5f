package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-multigrid-bot/internal/models"
)

func testBandState() *bandState {
	return newBandState(models.BandHighFreq, models.BandConfig{
		RangePct: d("0.03"), SpacingPct: d("0.005"), OrderSize: d("20"), Weight: d("0.2"),
	})
}

func slotOrder(side models.Side, index int, price string) *models.Order {
	return &models.Order{
		ID:        string(side) + "-" + price,
		Side:      side,
		SlotIndex: index,
		Price:     d(price),
		Quantity:  d("0.0004"),
		Status:    models.OrderNew,
		Band:      models.BandHighFreq,
	}
}

func TestBandState_ExpectedOrders(t *testing.T) {
	// 0.03 / 0.005 = 6 per side
	assert.Equal(t, 12, testBandState().expected)

	// extreme params are capped
	wide := newBandState(models.BandInsurance, models.BandConfig{
		RangePct: d("0.5"), SpacingPct: d("0.001"), OrderSize: d("100"), Weight: d("0.5"),
	})
	assert.Equal(t, 100, wide.expected)
}

func TestBandState_SlotExclusivity(t *testing.T) {
	bs := testBandState()

	require.NoError(t, bs.occupy(slotOrder(models.Buy, 0, "49750")))
	err := bs.occupy(slotOrder(models.Buy, 0, "49750"))
	require.Error(t, err)

	// same index on the other side is a different slot
	require.NoError(t, bs.occupy(slotOrder(models.Sell, 0, "50250")))
	assert.Equal(t, 2, bs.activeCount())

	bs.release(slotKey{Side: models.Buy, Index: 0})
	require.NoError(t, bs.occupy(slotOrder(models.Buy, 0, "49750")))
}

func TestBandState_InFlightMarkers(t *testing.T) {
	bs := testBandState()
	key := slotKey{Side: models.Buy, Index: 3}

	require.True(t, bs.markInFlight(key))
	assert.False(t, bs.markInFlight(key))
	bs.clearInFlight(key)
	assert.True(t, bs.markInFlight(key))
}

func TestBandState_Integrity(t *testing.T) {
	bs := testBandState()
	assert.Equal(t, float64(0), bs.integrity())

	for i := 0; i < 6; i++ {
		require.NoError(t, bs.occupy(slotOrder(models.Buy, i, fmt.Sprintf("%d", 49750-i*250))))
	}
	assert.InDelta(t, 50.0, bs.integrity(), 0.001)

	for i := 0; i < 6; i++ {
		require.NoError(t, bs.occupy(slotOrder(models.Sell, i, fmt.Sprintf("%d", 50250+i*250))))
	}
	assert.InDelta(t, 100.0, bs.integrity(), 0.001)
}

func TestBandState_NeedsRebuild(t *testing.T) {
	bs := testBandState()
	now := time.Now()
	holdFor := 5 * time.Minute
	cooldown := 5 * time.Minute

	// first observation below threshold only starts the clock
	assert.False(t, bs.needsRebuild(60, holdFor, cooldown, now))
	assert.False(t, bs.lowSince.IsZero())

	// still inside the hold window
	assert.False(t, bs.needsRebuild(60, holdFor, cooldown, now.Add(4*time.Minute)))

	// past the hold window
	assert.True(t, bs.needsRebuild(60, holdFor, cooldown, now.Add(6*time.Minute)))

	// a rebuild resets the clock and starts the cooldown
	bs.markRebuilt(now.Add(6 * time.Minute))
	assert.False(t, bs.needsRebuild(60, holdFor, cooldown, now.Add(7*time.Minute)))

	// hold window satisfied but still inside the cooldown
	assert.False(t, bs.needsRebuild(60, holdFor, 30*time.Minute, now.Add(13*time.Minute)))

	// hold window and cooldown both satisfied
	assert.True(t, bs.needsRebuild(60, holdFor, cooldown, now.Add(13*time.Minute)))
}

func TestBandState_RecoveryClearsLowSince(t *testing.T) {
	bs := testBandState()
	now := time.Now()

	assert.False(t, bs.needsRebuild(60, 5*time.Minute, 5*time.Minute, now))
	require.False(t, bs.lowSince.IsZero())

	// integrity recovers above the threshold
	for i := 0; i < 6; i++ {
		require.NoError(t, bs.occupy(slotOrder(models.Buy, i, fmt.Sprintf("%d", 49750-i*250))))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, bs.occupy(slotOrder(models.Sell, i, fmt.Sprintf("%d", 50250+i*250))))
	}
	assert.False(t, bs.needsRebuild(60, 5*time.Minute, 5*time.Minute, now.Add(10*time.Minute)))
	assert.True(t, bs.lowSince.IsZero())
}
