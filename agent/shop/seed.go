package shop

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// CreateSchema creates the products and cart_entries tables when they are missing.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*Product)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create products table: %w", err)
	}
	_, err := db.NewCreateTable().
		Model((*CartEntry)(nil)).
		IfNotExists().
		ForeignKey(`("product_id") REFERENCES "products" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create cart_entries table: %w", err)
	}
	return nil
}

// DropSchema removes both tables, cart first.
func DropSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewDropTable().Model((*CartEntry)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop cart_entries table: %w", err)
	}
	if _, err := db.NewDropTable().Model((*Product)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop products table: %w", err)
	}
	return nil
}

// Seed inserts SampleProducts into an empty catalog and reports how many rows it wrote.
func Seed(ctx context.Context, db bun.IDB) (int, error) {
	count, err := db.NewSelect().Model((*Product)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	products := SampleProducts()
	if _, err := db.NewInsert().Model(&products).Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert sample products: %w", err)
	}
	return len(products), nil
}

func SampleProducts() []Product {
	return []Product{
		{Title: "Chanel No. 5", Description: "Classic floral aldehyde fragrance", Price: 135.00, DiscountPercentage: 10, Rating: 4.5, Stock: 50, Brand: "Chanel", Category: "Fragrance", Thumbnail: "chanel_no5.jpg"},
		{Title: "Dior Sauvage", Description: "Fresh and bold masculine fragrance", Price: 155.00, DiscountPercentage: 10, Rating: 4.7, Stock: 40, Brand: "Dior", Category: "Fragrance", Thumbnail: "dior_sauvage.jpg"},
		{Title: "Jo Malone London", Description: "English Pear & Freesia Cologne", Price: 142.00, DiscountPercentage: 10, Rating: 4.2, Stock: 30, Brand: "Jo Malone", Category: "Fragrance", Thumbnail: "jo_malone.jpg"},
		{Title: "Tom Ford Black Orchid", Description: "Luxurious and sophisticated unisex fragrance", Price: 180.00, DiscountPercentage: 10, Rating: 4.8, Stock: 20, Brand: "Tom Ford", Category: "Fragrance", Thumbnail: "tom_ford_black_orchid.jpg"},
		{Title: "Versace Bright Crystal", Description: "Fresh and floral feminine fragrance", Price: 96.00, DiscountPercentage: 10, Rating: 4.1, Stock: 60, Brand: "Versace", Category: "Fragrance", Thumbnail: "versace_bright_crystal.jpg"},
		{Title: "iPhone 14", Description: "Latest Apple smartphone", Price: 999.00, DiscountPercentage: 10, Rating: 4.3, Stock: 80, Brand: "Apple", Category: "Electronics", Thumbnail: "iphone_14.jpg"},
		{Title: "Nike Air Max", Description: "Comfortable running shoes", Price: 129.99, DiscountPercentage: 10, Rating: 4.6, Stock: 100, Brand: "Nike", Category: "Footwear", Thumbnail: "nike_air_max.jpg"},
		{Title: "Essence Mascara Lash Princess", Description: "Lash Princess False Lash Effect Mascara", Price: 4.99, DiscountPercentage: 10, Rating: 3.9, Stock: 150, Brand: "Essence", Category: "Beauty", Thumbnail: "essence_mascara.jpg"},
		{Title: "Samsung TV", Description: "55-inch 4K Smart TV", Price: 699.99, DiscountPercentage: 10, Rating: 4.4, Stock: 25, Brand: "Samsung", Category: "Electronics", Thumbnail: "samsung_tv.jpg"},
		{Title: "Cotton T-Shirt", Description: "Basic crew neck t-shirt", Price: 19.99, DiscountPercentage: 10, Rating: 3.8, Stock: 200, Brand: "Generic", Category: "Clothing", Thumbnail: "cotton_tshirt.jpg"},
	}
}
