package persistence

import "binance-multigrid-bot/internal/models"

// Repository defines the interface for order and trade persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the engine.
type Repository interface {
	// SaveOrder persists a newly created order.
	SaveOrder(order *models.Order) error

	// UpdateOrder overwrites an existing order with its new state.
	UpdateOrder(order *models.Order) error

	// GetOrder loads a single order by its local id.
	// If the order is not found, it returns (nil, nil).
	GetOrder(id string) (*models.Order, error)

	// GetActiveOrders returns all orders in a non-terminal status.
	// An empty band selects all bands.
	GetActiveOrders(band models.GridBand) ([]*models.Order, error)

	// SaveTrade persists an immutable fill record.
	SaveTrade(trade *models.Trade) error

	// GetTrades returns the most recent trades, newest first.
	// limit <= 0 returns all.
	GetTrades(limit int) ([]*models.Trade, error)

	// AppendLog persists a structured audit event.
	AppendLog(event *models.LogEvent) error

	// Close gracefully closes the connection to the database.
	Close() error
}
