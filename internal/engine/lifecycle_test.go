package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-multigrid-bot/internal/exchange"
	"binance-multigrid-bot/internal/models"
)

// failExchange rejects every placement and counts attempts.
type failExchange struct {
	placeCalls int
}

func (f *failExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return d("50000"), nil
}

func (f *failExchange) GetAccountBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{Asset: "USDT", Available: d("10000"), Total: d("10000")}, nil
}

func (f *failExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal, clientOrderID string) (*exchange.PlacedOrder, error) {
	f.placeCalls++
	return nil, &exchange.RejectionError{Code: -2019, Message: "margin is insufficient"}
}

func (f *failExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	return exchange.ErrOrderNotFound
}

func (f *failExchange) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderDetail, error) {
	return nil, nil
}

func (f *failExchange) GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*exchange.OrderDetail, error) {
	return nil, exchange.ErrOrderNotFound
}

type fixedAlloc map[models.GridBand]decimal.Decimal

func (a fixedAlloc) Allocation(band models.GridBand) decimal.Decimal { return a[band] }

func newLifecycleFixture(t *testing.T) (*LifecycleManager, *exchange.SimExchange, *memRepo, *bandState) {
	cfg := testConfig(t)
	sim := exchange.NewSimExchange(d("50000"), cfg.InitialBalance, cfg.CommissionRate)
	repo := newMemRepo()
	m := NewLifecycleManager(cfg, sim, repo, nil, nil)
	return m, sim, repo, testBandState()
}

func TestPlace_PersistsAndOccupiesSlot(t *testing.T) {
	m, sim, repo, bs := newLifecycleFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))

	order := bs.get(slotKey{Side: models.Buy, Index: 0})
	require.NotNil(t, order)
	assert.Equal(t, models.OrderNew, order.Status)
	assert.NotZero(t, order.ExchangeOrderID)
	assert.True(t, order.Quantity.Equal(d("0.0004")), "got %s", order.Quantity)

	stored, err := repo.GetOrder(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OrderNew, stored.Status)

	open, err := sim.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	created, filled, _ := m.Stats()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(0), filled)
}

func TestPlace_OccupiedSlotIsNoop(t *testing.T) {
	m, sim, _, bs := newLifecycleFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))
	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))

	open, err := sim.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestPlace_FailureReleasesSlotAndBacksOff(t *testing.T) {
	cfg := testConfig(t)
	fx := &failExchange{}
	repo := newMemRepo()
	m := NewLifecycleManager(cfg, fx, repo, nil, nil)
	bs := testBandState()
	ctx := context.Background()

	err := m.Place(ctx, bs, models.Buy, 0, d("49750"))
	require.Error(t, err)
	assert.True(t, exchange.IsRejection(err))
	assert.Nil(t, bs.get(slotKey{Side: models.Buy, Index: 0}))
	assert.Equal(t, 1, fx.placeCalls)

	// the failed order must be persisted in FAILED state
	active, err2 := repo.GetActiveOrders("")
	require.NoError(t, err2)
	assert.Empty(t, active)

	// the slot is in backoff: the retry is skipped without touching the exchange
	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))
	assert.Equal(t, 1, fx.placeCalls)
}

func TestPlace_Halted(t *testing.T) {
	m, _, _, bs := newLifecycleFixture(t)

	m.Halt()
	err := m.Place(context.Background(), bs, models.Buy, 0, d("49750"))
	assert.True(t, errors.Is(err, ErrPlacementHalted))

	m.Resume()
	assert.NoError(t, m.Place(context.Background(), bs, models.Buy, 0, d("49750")))
}

func TestPlace_AllocationLimit(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSimExchange(d("50000"), cfg.InitialBalance, cfg.CommissionRate)
	repo := newMemRepo()
	// only enough allocation for one 20 USDT order
	m := NewLifecycleManager(cfg, sim, repo, fixedAlloc{models.BandHighFreq: d("30")}, nil)
	bs := testBandState()
	ctx := context.Background()

	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))
	require.NoError(t, m.Place(ctx, bs, models.Buy, 1, d("49501.25")))

	// second placement was skipped: 19.9 + ~19.8 > 30
	assert.Equal(t, 1, bs.activeCount())
}

func TestOnFilled_ProfitTradeAndRebuild(t *testing.T) {
	m, _, repo, bs := newLifecycleFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))
	order := bs.get(slotKey{Side: models.Buy, Index: 0})
	require.NotNil(t, order)
	firstID := order.ID

	require.NoError(t, m.OnFilled(ctx, bs, order, d("49750")))

	// profit = 19.9 * 0.005 / 2 - 19.9 * 0.001 = 0.02985
	stored, err := repo.GetOrder(firstID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OrderFilled, stored.Status)
	assert.True(t, stored.Profit.Equal(d("0.02985")), "got %s", stored.Profit)

	require.Equal(t, 1, repo.tradeCount())
	trades, err := repo.GetTrades(1)
	require.NoError(t, err)
	assert.Equal(t, firstID, trades[0].OrderID)
	assert.True(t, trades[0].Commission.Equal(d("0.0199")), "got %s", trades[0].Commission)
	assert.True(t, trades[0].Profit.Equal(d("0.02985")))

	// the slot must be rebuilt with a fresh order
	rebuilt := bs.get(slotKey{Side: models.Buy, Index: 0})
	require.NotNil(t, rebuilt)
	assert.NotEqual(t, firstID, rebuilt.ID)
	assert.True(t, rebuilt.Price.Equal(d("49750")))

	created, filled, pnl := m.Stats()
	assert.Equal(t, int64(2), created)
	assert.Equal(t, int64(1), filled)
	assert.True(t, pnl.Equal(d("0.02985")))
}

func TestPlace_ImmediateFillDoesNotLoop(t *testing.T) {
	m, sim, repo, bs := newLifecycleFixture(t)
	ctx := context.Background()

	// price has already crossed the rung: the first placement fills at
	// once, the rebuilt order fills too, then the chain must stop
	sim.SetPrice(d("49000"))
	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))

	assert.Equal(t, 2, repo.tradeCount())
	assert.Nil(t, bs.get(slotKey{Side: models.Buy, Index: 0}))
}

func TestCancel_NotFoundIsSuccess(t *testing.T) {
	m, sim, repo, bs := newLifecycleFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Place(ctx, bs, models.Buy, 0, d("49750")))
	order := bs.get(slotKey{Side: models.Buy, Index: 0})
	require.NotNil(t, order)

	// cancel twice: the second time the exchange no longer knows the order
	require.NoError(t, sim.CancelOrder(ctx, "BTCUSDT", order.ExchangeOrderID))
	require.NoError(t, m.Cancel(ctx, bs, order))

	assert.Nil(t, bs.get(slotKey{Side: models.Buy, Index: 0}))
	stored, err := repo.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, stored.Status)
}
