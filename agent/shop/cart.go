package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	databasex "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/database"
)

const (
	defaultTxMaxTries       = 5
	defaultTxInitialBackoff = 20 * time.Millisecond
)

// CartManager is the only writer of cart_entries and of products.stock.
// Every mutation runs in one transaction; concurrent mutations of the same
// (user, product) pair are serialized in-process, and database conflicts are retried.
type CartManager struct {
	db    *bun.DB
	locks *keyedMutex

	maxTries       uint
	initialBackoff time.Duration
}

type CartOption func(*CartManager)

// WithTxRetry bounds how often a conflicting transaction is retried.
func WithTxRetry(maxTries uint, initial time.Duration) CartOption {
	return func(m *CartManager) {
		if maxTries > 0 {
			m.maxTries = maxTries
		}
		if initial > 0 {
			m.initialBackoff = initial
		}
	}
}

func NewCartManager(db *bun.DB, opts ...CartOption) *CartManager {
	m := &CartManager{
		db:             db,
		locks:          newKeyedMutex(),
		maxTries:       defaultTxMaxTries,
		initialBackoff: defaultTxInitialBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add reserves quantity units of productID for userID: the cart entry grows by quantity
// and the product stock shrinks by the same amount, or nothing changes at all.
func (m *CartManager) Add(ctx context.Context, userID string, productID int64, quantity int) (*CartUpdate, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1, got %d", ErrInvalidArgument, quantity)
	}

	unlock := m.locks.Lock(cartKey(userID, productID))
	defer unlock()

	var out *CartUpdate
	err := m.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		product := new(Product)
		q := tx.NewSelect().Model(product).Where("p.id = ?", productID)
		if tx.Dialect().Name() == dialect.PG {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
			}
			return fmt.Errorf("load product %d: %w", productID, err)
		}
		if product.Stock < quantity {
			return &InsufficientStockError{ProductID: productID, Requested: quantity, Remaining: product.Stock}
		}

		res, err := tx.NewUpdate().
			Model((*Product)(nil)).
			Set("stock = stock - ?", quantity).
			Where("id = ?", productID).
			Where("stock >= ?", quantity).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &InsufficientStockError{ProductID: productID, Requested: quantity, Remaining: product.Stock}
		}

		action, err := upsertEntry(ctx, tx, userID, productID, quantity)
		if err != nil {
			return err
		}

		items, err := listCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		out = &CartUpdate{Message: fmt.Sprintf("Item has been %s in your cart.", action), Cart: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", userID).
		Int64("product_id", productID).
		Int("quantity", quantity).
		Msg("cart entry added")
	return out, nil
}

// Remove deletes the whole cart entry. Reserved stock is not returned to the product.
func (m *CartManager) Remove(ctx context.Context, userID string, productID int64) (*CartUpdate, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}

	unlock := m.locks.Lock(cartKey(userID, productID))
	defer unlock()

	var out *CartUpdate
	err := m.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*CartEntry)(nil)).
			Where("user_id = ?", userID).
			Where("product_id = ?", productID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete cart entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete cart entry: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: product %d", ErrCartEntryNotFound, productID)
		}

		items, err := listCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		out = &CartUpdate{Message: "Item has been removed from your cart.", Cart: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("user_id", userID).Int64("product_id", productID).Msg("cart entry removed")
	return out, nil
}

// Cart lists the user's entries ordered by product id.
func (m *CartManager) Cart(ctx context.Context, userID string) ([]CartItem, error) {
	return listCart(ctx, m.db, userID)
}

func (m *CartManager) CheckoutSummary(ctx context.Context, userID string) (*CheckoutSummary, error) {
	entries := make([]CartEntry, 0)
	err := m.db.NewSelect().
		Model(&entries).
		Relation("Product").
		Where("ce.user_id = ?", userID).
		OrderExpr("ce.product_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkout items: %w", err)
	}

	summary := &CheckoutSummary{Message: "Checkout summary:", Items: make([]CheckoutItem, 0, len(entries))}
	var total float64
	for _, e := range entries {
		if e.Product == nil {
			continue
		}
		summary.Items = append(summary.Items, CheckoutItem{
			ProductID: e.ProductID,
			Title:     e.Product.Title,
			Price:     e.Product.Price,
			Quantity:  e.Quantity,
		})
		total += e.Product.Price * float64(e.Quantity)
	}
	summary.TotalPrice = roundCents(total)
	return summary, nil
}

func (m *CartManager) inTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := m.db.RunInTx(ctx, nil, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if databasex.IsConflict(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("cart transaction conflict, retrying")
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(m.maxTries))
	return err
}

func upsertEntry(ctx context.Context, tx bun.Tx, userID string, productID int64, quantity int) (string, error) {
	entry := new(CartEntry)
	q := tx.NewSelect().
		Model(entry).
		Where("ce.user_id = ?", userID).
		Where("ce.product_id = ?", productID)
	if tx.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry = &CartEntry{UserID: userID, ProductID: productID, Quantity: quantity}
		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return "", fmt.Errorf("insert cart entry: %w", err)
		}
		return "added", nil
	case err != nil:
		return "", fmt.Errorf("load cart entry: %w", err)
	}

	_, err = tx.NewUpdate().
		Model((*CartEntry)(nil)).
		Set("quantity = quantity + ?", quantity).
		Where("user_id = ?", userID).
		Where("product_id = ?", productID).
		Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("update cart entry: %w", err)
	}
	return "updated", nil
}

func listCart(ctx context.Context, db bun.IDB, userID string) ([]CartItem, error) {
	items := make([]CartItem, 0)
	err := db.NewSelect().
		Model((*CartEntry)(nil)).
		Column("product_id", "quantity").
		Where("user_id = ?", userID).
		OrderExpr("product_id ASC").
		Scan(ctx, &items)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	return items, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func cartKey(userID string, productID int64) string {
	return fmt.Sprintf("%s\x00%d", userID, productID)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
// Entries are dropped once nobody holds or waits for them.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
