package engine

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
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

// memRepo is an in-memory Repository that counts writes so tests can
// assert reconciliation idempotence.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	trades []*models.Trade
	logs   []*models.LogEvent
	writes int
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]*models.Order)}
}

func (r *memRepo) SaveOrder(order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	r.orders[order.ID] = &cp
	r.writes++
	return nil
}

func (r *memRepo) UpdateOrder(order *models.Order) error {
	return r.SaveOrder(order)
}

func (r *memRepo) GetOrder(id string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) GetActiveOrders(band models.GridBand) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Order
	for _, o := range r.orders {
		if !o.Status.IsActive() {
			continue
		}
		if band != "" && o.Band != band {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) SaveTrade(trade *models.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *trade
	r.trades = append(r.trades, &cp)
	r.writes++
	return nil
}

func (r *memRepo) GetTrades(limit int) ([]*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Trade
	for i := len(r.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *r.trades[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) AppendLog(event *models.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.logs = append(r.logs, &cp)
	r.writes++
	return nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *memRepo) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func (r *memRepo) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

// testConfig builds a validated config around a 50000 center with the
// standard three bands.
func testConfig(t require.TestingT) *models.Config {
	cfg := &models.Config{
		Symbol:         "BTCUSDT",
		InitialBalance: d("10000"),
		HighFreq: models.BandConfig{
			RangePct: d("0.03"), SpacingPct: d("0.005"), OrderSize: d("20"), Weight: d("0.2"),
		},
		MainTrend: models.BandConfig{
			RangePct: d("0.15"), SpacingPct: d("0.01"), OrderSize: d("50"), Weight: d("0.3"),
		},
		Insurance: models.BandConfig{
			RangePct: d("0.5"), SpacingPct: d("0.05"), OrderSize: d("100"), Weight: d("0.5"),
		},
		PriceTick:      d("0.01"),
		LotStep:        d("0.0001"),
		MinQty:         d("0.0001"),
		MaxDrawdownPct: d("0.2"),
		StopLossPct:    d("0.1"),
		SimMode:        true,
		SimStartPrice:  d("50000"),
	}
	require.NoError(t, cfg.Validate())
	return cfg
}
