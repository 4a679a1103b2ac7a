package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

const (
	searchLimit    = 10
	recommendLimit = 5
)

// Catalog is the read side of the product table.
type Catalog struct {
	db bun.IDB
}

func NewCatalog(db bun.IDB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Get(ctx context.Context, id int64) (*Product, error) {
	p := new(Product)
	if err := c.db.NewSelect().Model(p).Where("p.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, nil
}

// SearchByTitle matches a case-insensitive substring of the title.
func (c *Catalog) SearchByTitle(ctx context.Context, query string) ([]Product, error) {
	return c.search(ctx, "LOWER(p.title) LIKE ? ESCAPE '!'", like(query), query)
}

// SearchByCategory matches the category name exactly, ignoring case.
func (c *Catalog) SearchByCategory(ctx context.Context, query string) ([]Product, error) {
	return c.search(ctx, "LOWER(p.category) = ?", strings.ToLower(strings.TrimSpace(query)), query)
}

func (c *Catalog) SearchByBrand(ctx context.Context, query string) ([]Product, error) {
	return c.search(ctx, "LOWER(p.brand) LIKE ? ESCAPE '!'", like(query), query)
}

func (c *Catalog) search(ctx context.Context, where string, arg any, raw string) ([]Product, error) {
	if strings.TrimSpace(raw) == "" {
		return []Product{}, nil
	}
	products := make([]Product, 0)
	err := c.db.NewSelect().
		Model(&products).
		Where(where, arg).
		OrderExpr("p.id ASC").
		Limit(searchLimit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	return products, nil
}

// Featured returns the best rated products that are in stock.
func (c *Catalog) Featured(ctx context.Context) ([]Product, error) {
	products := make([]Product, 0)
	err := c.db.NewSelect().
		Model(&products).
		Where("p.stock > 0").
		OrderExpr("p.rating DESC, p.id ASC").
		Limit(searchLimit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list featured products: %w", err)
	}
	return products, nil
}

func (c *Catalog) Categories(ctx context.Context) ([]string, error) {
	categories := make([]string, 0)
	err := c.db.NewSelect().
		Model((*Product)(nil)).
		ColumnExpr("DISTINCT p.category").
		Where("p.category IS NOT NULL AND p.category <> ''").
		OrderExpr("p.category ASC").
		Scan(ctx, &categories)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

// Recommend lists up to five other products sharing the category or the brand of productID.
func (c *Catalog) Recommend(ctx context.Context, productID int64) ([]Product, error) {
	base, err := c.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	products := make([]Product, 0)
	err = c.db.NewSelect().
		Model(&products).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("p.category = ?", base.Category).WhereOr("p.brand = ?", base.Brand)
		}).
		Where("p.id <> ?", productID).
		OrderExpr("p.id ASC").
		Limit(recommendLimit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("recommend for product %d: %w", productID, err)
	}
	return products, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// like builds a substring pattern with wildcards in the query matched literally.
func like(query string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(query))) + "%"
}
