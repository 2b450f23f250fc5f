package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"binance-multigrid-bot/internal/models"
)

var (
	orderPrefix = []byte("order/")
	tradePrefix = []byte("trade/")
	logPrefix   = []byte("log/")
)

// badgerRepository is the BadgerDB implementation of the Repository.
// Orders are stored as JSON blobs under "order/<id>"; trades and log
// events get monotonically increasing sequence keys so that iteration
// order matches insertion order.
type badgerRepository struct {
	db       *badger.DB
	tradeSeq *badger.Sequence
	logSeq   *badger.Sequence
}

// NewBadgerRepository creates and returns a new repository instance connected
// to a BadgerDB database at the given path.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	tradeSeq, err := db.GetSequence([]byte("seq/trade"), 100)
	if err != nil {
		db.Close()
		return nil, err
	}
	logSeq, err := db.GetSequence([]byte("seq/log"), 100)
	if err != nil {
		tradeSeq.Release()
		db.Close()
		return nil, err
	}

	return &badgerRepository{db: db, tradeSeq: tradeSeq, logSeq: logSeq}, nil
}

func orderKey(id string) []byte {
	return append(append([]byte{}, orderPrefix...), id...)
}

func seqKey(prefix []byte, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

func (r *badgerRepository) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// SaveOrder persists a newly created order.
func (r *badgerRepository) SaveOrder(order *models.Order) error {
	return r.setJSON(orderKey(order.ID), order)
}

// UpdateOrder overwrites an existing order. Same operation as SaveOrder at
// this layer; the distinction exists so callers express intent and an
// alternative backend could enforce it.
func (r *badgerRepository) UpdateOrder(order *models.Order) error {
	return r.setJSON(orderKey(order.ID), order)
}

// GetOrder loads a single order by id, returning (nil, nil) when absent.
func (r *badgerRepository) GetOrder(id string) (*models.Order, error) {
	var order models.Order
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(orderKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetActiveOrders scans all stored orders and returns those still occupying
// a grid slot. An empty band selects all bands.
func (r *badgerRepository) GetActiveOrders(band models.GridBand) ([]*models.Order, error) {
	var result []*models.Order
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = orderPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(orderPrefix); it.ValidForPrefix(orderPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var order models.Order
				if err := json.Unmarshal(val, &order); err != nil {
					return err
				}
				if !order.Status.IsActive() {
					return nil
				}
				if band != "" && order.Band != band {
					return nil
				}
				result = append(result, &order)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveTrade persists an immutable fill record under the next sequence key.
func (r *badgerRepository) SaveTrade(trade *models.Trade) error {
	seq, err := r.tradeSeq.Next()
	if err != nil {
		return err
	}
	return r.setJSON(seqKey(tradePrefix, seq), trade)
}

// GetTrades returns the most recent trades, newest first. limit <= 0
// returns all.
func (r *badgerRepository) GetTrades(limit int) ([]*models.Trade, error) {
	var result []*models.Trade
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tradePrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode the iterator must seek past the last key of
		// the prefix range.
		seekTo := append(append([]byte{}, tradePrefix...), 0xff)
		for it.Seek(seekTo); it.ValidForPrefix(tradePrefix); it.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var trade models.Trade
				if err := json.Unmarshal(val, &trade); err != nil {
					return err
				}
				result = append(result, &trade)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendLog persists a structured audit event.
func (r *badgerRepository) AppendLog(event *models.LogEvent) error {
	seq, err := r.logSeq.Next()
	if err != nil {
		return err
	}
	return r.setJSON(seqKey(logPrefix, seq), event)
}

// Close releases the sequences and closes the database.
func (r *badgerRepository) Close() error {
	if err := r.tradeSeq.Release(); err != nil {
		r.logSeq.Release()
		r.db.Close()
		return err
	}
	if err := r.logSeq.Release(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}
