package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-multigrid-bot/internal/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newSim() *SimExchange {
	return NewSimExchange(d("50000"), d("10000"), d("0.001"))
}

func TestSimExchange_RestingOrderFillsOnCross(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	placed, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("49750"), d("0.001"), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderNew, placed.Status)

	open, err := sim.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	sim.SetPrice(d("49700"))

	open, err = sim.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	detail, err := sim.GetOrder(ctx, "BTCUSDT", placed.ExchangeOrderID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, detail.Status)
	assert.True(t, detail.ExecutedQty.Equal(d("0.001")))
}

func TestSimExchange_ImmediateFillWhenCrossed(t *testing.T) {
	sim := newSim()

	// a buy above the current price crosses immediately
	placed, err := sim.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, d("50100"), d("0.001"), "cid-2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, placed.Status)
}

func TestSimExchange_SellFillsOnRally(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	placed, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Sell, d("50250"), d("0.001"), "cid-3")
	require.NoError(t, err)
	require.Equal(t, models.OrderNew, placed.Status)

	sim.SetPrice(d("50300"))

	detail, err := sim.GetOrder(ctx, "BTCUSDT", placed.ExchangeOrderID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, detail.Status)
}

func TestSimExchange_CancelRemovesOrder(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	placed, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("49000"), d("0.001"), "cid-4")
	require.NoError(t, err)

	require.NoError(t, sim.CancelOrder(ctx, "BTCUSDT", placed.ExchangeOrderID))

	err = sim.CancelOrder(ctx, "BTCUSDT", placed.ExchangeOrderID)
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	detail, err := sim.GetOrder(ctx, "BTCUSDT", placed.ExchangeOrderID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, detail.Status)
}

func TestSimExchange_LookupByClientOrderID(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("49000"), d("0.001"), "cid-5")
	require.NoError(t, err)

	detail, err := sim.GetOrder(ctx, "BTCUSDT", 0, "cid-5")
	require.NoError(t, err)
	assert.Equal(t, "cid-5", detail.ClientOrderID)

	_, err = sim.GetOrder(ctx, "BTCUSDT", 0, "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestSimExchange_DuplicateClientOrderIDIsIdempotent(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	a, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("49000"), d("0.001"), "cid-6")
	require.NoError(t, err)
	b, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("49000"), d("0.001"), "cid-6")
	require.NoError(t, err)
	assert.Equal(t, a.ExchangeOrderID, b.ExchangeOrderID)
}

func TestSimExchange_CommissionReducesBalance(t *testing.T) {
	sim := newSim()
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, d("50000"), d("0.01"), "cid-7")
	require.NoError(t, err)

	bal, err := sim.GetAccountBalance(ctx)
	require.NoError(t, err)
	// 50000 * 0.01 * 0.001 = 0.5 commission
	assert.True(t, bal.Total.Equal(d("9999.5")), "got %s", bal.Total)
}
