package shop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	databasex "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/database"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := databasex.OpenMemory(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, CreateSchema(ctx, db))
	return db
}

func insertProduct(t *testing.T, db *bun.DB, p Product) {
	t.Helper()
	_, err := db.NewInsert().Model(&p).Exec(context.Background())
	require.NoError(t, err)
}

func stockOf(t *testing.T, db *bun.DB, id int64) int {
	t.Helper()
	p, err := NewCatalog(db).Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	n, err := Seed(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = Seed(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatalogQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := Seed(ctx, db)
	require.NoError(t, err)
	catalog := NewCatalog(db)

	got, err := catalog.SearchByTitle(ctx, "mascara")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Essence", got[0].Brand)

	got, err = catalog.SearchByCategory(ctx, "fragrance")
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = catalog.SearchByBrand(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	categories, err := catalog.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beauty", "Clothing", "Electronics", "Footwear", "Fragrance"}, categories)

	featured, err := catalog.Featured(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, featured)
	assert.Equal(t, "Tom Ford Black Orchid", featured[0].Title)

	_, err = catalog.Recommend(ctx, 999)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestSearchMatchesWildcardsLiterally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := Seed(ctx, db)
	require.NoError(t, err)
	insertProduct(t, db, Product{Title: "100% Cotton_Tee", Brand: "Big!Brand", Category: "Clothing", Stock: 5})
	catalog := NewCatalog(db)

	for _, q := range []string{"_", "%", "n_t", "100%"} {
		got, err := catalog.SearchByTitle(ctx, q)
		require.NoError(t, err, q)
		require.Len(t, got, 1, q)
		assert.Equal(t, "100% Cotton_Tee", got[0].Title, q)
	}

	got, err := catalog.SearchByTitle(ctx, "c_tton")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = catalog.SearchByBrand(ctx, "g!b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Big!Brand", got[0].Brand)
}

func TestRecommendSharesCategoryOrBrand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	_, err := Seed(ctx, db)
	require.NoError(t, err)

	base, err := NewCatalog(db).Get(ctx, 1)
	require.NoError(t, err)

	recs, err := NewCatalog(db).Recommend(ctx, base.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recs), 5)
	require.NotEmpty(t, recs)
	for _, r := range recs {
		assert.NotEqual(t, base.ID, r.ID)
		assert.True(t, r.Category == base.Category || r.Brand == base.Brand)
	}
}

func TestCartAddDecrementsStock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	insertProduct(t, db, Product{ID: 7, Title: "Essence Mascara", Price: 4.99, Stock: 50, Brand: "Essence", Category: "Beauty"})
	carts := NewCartManager(db)

	update, err := carts.Add(ctx, "u1", 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "Item has been added in your cart.", update.Message)
	assert.Equal(t, []CartItem{{ProductID: 7, Quantity: 3}}, update.Cart)
	assert.Equal(t, 47, stockOf(t, db, 7))

	update, err = carts.Add(ctx, "u1", 7, 2)
	require.NoError(t, err)
	assert.Equal(t, "Item has been updated in your cart.", update.Message)
	assert.Equal(t, []CartItem{{ProductID: 7, Quantity: 5}}, update.Cart)
	assert.Equal(t, 45, stockOf(t, db, 7))
}

func TestCartAddFailuresLeaveStateUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	insertProduct(t, db, Product{ID: 3, Title: "Samsung TV", Price: 699.99, Stock: 2})
	carts := NewCartManager(db)

	_, err := carts.Add(ctx, "u1", 3, 5)
	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 2, stockErr.Remaining)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = carts.Add(ctx, "u1", 404, 1)
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = carts.Add(ctx, "u1", 3, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	items, err := carts.Cart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 2, stockOf(t, db, 3))
}

func TestCartRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	insertProduct(t, db, Product{ID: 1, Title: "Chanel No. 5", Price: 135, Stock: 10})
	insertProduct(t, db, Product{ID: 2, Title: "Dior Sauvage", Price: 155, Stock: 10})
	carts := NewCartManager(db)

	_, err := carts.Remove(ctx, "u1", 1)
	assert.ErrorIs(t, err, ErrCartEntryNotFound)

	_, err = carts.Add(ctx, "u1", 1, 2)
	require.NoError(t, err)
	_, err = carts.Add(ctx, "u1", 2, 1)
	require.NoError(t, err)

	update, err := carts.Remove(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, []CartItem{{ProductID: 2, Quantity: 1}}, update.Cart)
	// reserved stock stays reserved
	assert.Equal(t, 8, stockOf(t, db, 1))
}

func TestCheckoutSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	insertProduct(t, db, Product{ID: 1, Title: "Cotton T-Shirt", Price: 19.99, Stock: 10})
	insertProduct(t, db, Product{ID: 2, Title: "Essence Mascara", Price: 4.99, Stock: 10})
	carts := NewCartManager(db)

	empty, err := carts.CheckoutSummary(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.Zero(t, empty.TotalPrice)

	_, err = carts.Add(ctx, "u1", 1, 3)
	require.NoError(t, err)
	_, err = carts.Add(ctx, "u1", 2, 1)
	require.NoError(t, err)
	_, err = carts.Add(ctx, "u2", 2, 4)
	require.NoError(t, err)

	summary, err := carts.CheckoutSummary(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summary.Items, 2)
	assert.Equal(t, "Cotton T-Shirt", summary.Items[0].Title)
	assert.Equal(t, 64.96, summary.TotalPrice)
}

func TestCartConcurrentAddsNeverOversell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	insertProduct(t, db, Product{ID: 9, Title: "Tom Ford Black Orchid", Price: 180, Stock: 5})
	carts := NewCartManager(db)

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := carts.Add(ctx, "u1", 9, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, stockOf(t, db, 9))
	items, err := carts.Cart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []CartItem{{ProductID: 9, Quantity: 5}}, items)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
