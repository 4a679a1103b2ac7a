package shop

import "github.com/uptrace/bun"

type Product struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	ID                 int64   `bun:"id,pk,autoincrement" json:"id"`
	Title              string  `bun:"title,notnull" json:"title"`
	Description        string  `bun:"description" json:"description"`
	Price              float64 `bun:"price,notnull,default:0" json:"price"`
	DiscountPercentage float64 `bun:"discount_percentage,notnull,default:0" json:"discount_percentage"`
	Rating             float64 `bun:"rating,notnull,default:0" json:"rating"`
	Stock              int     `bun:"stock,notnull,default:0" json:"stock"`
	Brand              string  `bun:"brand" json:"brand"`
	Category           string  `bun:"category" json:"category"`
	Thumbnail          string  `bun:"thumbnail" json:"thumbnail"`
}

// CartEntry rows exist only with quantity >= 1; removal deletes the row.
type CartEntry struct {
	bun.BaseModel `bun:"table:cart_entries,alias:ce"`

	UserID    string `bun:"user_id,pk" json:"user_id"`
	ProductID int64  `bun:"product_id,pk" json:"product_id"`
	Quantity  int    `bun:"quantity,notnull" json:"quantity"`

	Product *Product `bun:"rel:belongs-to,join:product_id=id" json:"-"`
}

type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// CartUpdate is what a cart mutation reports back: a short message and the full cart.
type CartUpdate struct {
	Message string     `json:"message"`
	Cart    []CartItem `json:"cart"`
}

type CheckoutItem struct {
	ProductID int64   `json:"product_id"`
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type CheckoutSummary struct {
	Message    string         `json:"message"`
	Items      []CheckoutItem `json:"items"`
	TotalPrice float64        `json:"total_price"`
}
