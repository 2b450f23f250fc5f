package persistence

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-multigrid-bot/internal/models"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testOrder(id string, band models.GridBand, status models.OrderStatus) *models.Order {
	return &models.Order{
		ID:        id,
		Symbol:    "BTCUSDT",
		Side:      models.Buy,
		Price:     decimal.NewFromInt(49750),
		Quantity:  decimal.NewFromFloat(0.001),
		Status:    status,
		Band:      band,
		CreatedAt: time.Now(),
	}
}

func TestOrderRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	order := testOrder("o-1", models.BandHighFreq, models.OrderNew)
	require.NoError(t, repo.SaveOrder(order))

	loaded, err := repo.GetOrder("o-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, order.ID, loaded.ID)
	assert.Equal(t, order.Band, loaded.Band)
	assert.True(t, loaded.Price.Equal(order.Price))
}

func TestGetOrder_NotFoundReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	loaded, err := repo.GetOrder("missing")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestUpdateOrder_OverwritesStatus(t *testing.T) {
	repo := newTestRepo(t)

	order := testOrder("o-2", models.BandMainTrend, models.OrderPending)
	require.NoError(t, repo.SaveOrder(order))

	order.Status = models.OrderFilled
	order.FilledAt = time.Now()
	require.NoError(t, repo.UpdateOrder(order))

	loaded, err := repo.GetOrder("o-2")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.OrderFilled, loaded.Status)
}

func TestGetActiveOrders_FiltersTerminalAndBand(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveOrder(testOrder("a-1", models.BandHighFreq, models.OrderNew)))
	require.NoError(t, repo.SaveOrder(testOrder("a-2", models.BandHighFreq, models.OrderPending)))
	require.NoError(t, repo.SaveOrder(testOrder("a-3", models.BandHighFreq, models.OrderFilled)))
	require.NoError(t, repo.SaveOrder(testOrder("a-4", models.BandInsurance, models.OrderNew)))

	all, err := repo.GetActiveOrders("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	hf, err := repo.GetActiveOrders(models.BandHighFreq)
	require.NoError(t, err)
	assert.Len(t, hf, 2)

	ins, err := repo.GetActiveOrders(models.BandInsurance)
	require.NoError(t, err)
	assert.Len(t, ins, 1)
	assert.Equal(t, "a-4", ins[0].ID)
}

func TestGetTrades_NewestFirstWithLimit(t *testing.T) {
	repo := newTestRepo(t)

	for i := 0; i < 5; i++ {
		trade := &models.Trade{
			TradeID:    fmt.Sprintf("t-%d", i),
			OrderID:    fmt.Sprintf("o-%d", i),
			Symbol:     "BTCUSDT",
			Side:       models.Buy,
			Price:      decimal.NewFromInt(int64(49000 + i)),
			Quantity:   decimal.NewFromFloat(0.001),
			Band:       models.BandHighFreq,
			ExecutedAt: time.Now(),
		}
		require.NoError(t, repo.SaveTrade(trade))
	}

	trades, err := repo.GetTrades(3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "t-4", trades[0].TradeID)
	assert.Equal(t, "t-2", trades[2].TradeID)

	all, err := repo.GetTrades(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestAppendLog(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.AppendLog(&models.LogEvent{
		Timestamp: time.Now(),
		Level:     "WARNING",
		Component: "reconciler",
		Message:   "untracked exchange order",
		Details:   map[string]any{"exchange_order_id": int64(42)},
	})
	require.NoError(t, err)
}
