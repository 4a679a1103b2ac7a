package tool

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/shop"
)

const (
	ActionSearchByTitle    = "search_by_title"
	ActionSearchByCategory = "search_by_category"
	ActionSearchByBrand    = "search_by_brand"
	ActionListFeatured     = "list_featured_products"
	ActionListCategories   = "list_categories"
	ActionRecommendSimilar = "recommend_similar"
	ActionCheckoutSummary  = "view_checkout_summary"
	ActionDeliveryEstimate = "get_delivery_estimate"
	ActionPaymentOptions   = "get_payment_options"
	ActionAddToCart        = "add_to_cart"
	ActionRemoveFromCart   = "remove_from_cart"
	defaultDeliveryDays    = 5
	deliveryEstimateLayout = "2006-01-02"
	defaultCartAddQuantity = 1
)

var paymentOptions = []string{"Credit Card", "Debit Card", "PayPal", "Gift Card"}

type CatalogReader interface {
	SearchByTitle(ctx context.Context, query string) ([]shop.Product, error)
	SearchByCategory(ctx context.Context, query string) ([]shop.Product, error)
	SearchByBrand(ctx context.Context, query string) ([]shop.Product, error)
	Featured(ctx context.Context) ([]shop.Product, error)
	Categories(ctx context.Context) ([]string, error)
	Recommend(ctx context.Context, productID int64) ([]shop.Product, error)
}

type CartService interface {
	Add(ctx context.Context, userID string, productID int64, quantity int) (*shop.CartUpdate, error)
	Remove(ctx context.Context, userID string, productID int64) (*shop.CartUpdate, error)
	CheckoutSummary(ctx context.Context, userID string) (*shop.CheckoutSummary, error)
}

type ShopOption func(*shopActions)

func WithClock(now func() time.Time) ShopOption {
	return func(s *shopActions) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDeliveryDays(days int) ShopOption {
	return func(s *shopActions) {
		if days > 0 {
			s.deliveryDays = days
		}
	}
}

type shopActions struct {
	catalog      CatalogReader
	carts        CartService
	now          func() time.Time
	deliveryDays int
}

type queryArgs struct {
	Query string `json:"query"`
}

type productArgs struct {
	ProductID Int `json:"product_id"`
}

type addToCartArgs struct {
	ProductID Int `json:"product_id"`
	Quantity  Int `json:"quantity"`
}

type DeliveryEstimate struct {
	Message          string `json:"message"`
	DeliveryEstimate string `json:"delivery_estimate"`
}

type PaymentOptions struct {
	Message        string   `json:"message"`
	PaymentOptions []string `json:"payment_options"`
}

type CategoryList struct {
	Categories []string `json:"categories"`
}

// NewShopRegistry builds the registry of every shopping action.
func NewShopRegistry(catalog CatalogReader, carts CartService, opts ...ShopOption) (*Registry, error) {
	return NewRegistry(ShopActions(catalog, carts, opts...)...)
}

func ShopActions(catalog CatalogReader, carts CartService, opts ...ShopOption) []Action {
	s := &shopActions{catalog: catalog, carts: carts, now: time.Now, deliveryDays: defaultDeliveryDays}
	for _, opt := range opts {
		opt(s)
	}

	queryParam := func(desc string) []Param {
		return []Param{{Name: "query", Type: schema.String, Desc: desc, Required: true}}
	}
	productParam := Param{Name: "product_id", Type: schema.Integer, Desc: "Catalog id of the product", Required: true}

	return []Action{
		{
			Name:    ActionSearchByTitle,
			Desc:    "Search products whose title contains the given text.",
			Params:  queryParam("Part of the product title"),
			Handler: s.search(catalog.SearchByTitle),
		},
		{
			Name:    ActionSearchByCategory,
			Desc:    "List products in a category.",
			Params:  queryParam("Category name, for example Fragrance"),
			Handler: s.search(catalog.SearchByCategory),
		},
		{
			Name:    ActionSearchByBrand,
			Desc:    "List products of a brand.",
			Params:  queryParam("Brand name"),
			Handler: s.search(catalog.SearchByBrand),
		},
		{
			Name:    ActionListFeatured,
			Desc:    "Show some available products, best rated first.",
			Handler: s.featured,
		},
		{
			Name:    ActionListCategories,
			Desc:    "List every product category.",
			Handler: s.categories,
		},
		{
			Name:    ActionRecommendSimilar,
			Desc:    "Recommend up to five products sharing the category or brand of a product.",
			Params:  []Param{productParam},
			Handler: s.recommend,
		},
		{
			Name:    ActionCheckoutSummary,
			Desc:    "Summarize the items in the user's cart with the total price.",
			Handler: s.checkoutSummary,
		},
		{
			Name:    ActionDeliveryEstimate,
			Desc:    "Give the estimated delivery date for an order.",
			Handler: s.deliveryEstimate,
		},
		{
			Name:    ActionPaymentOptions,
			Desc:    "List the accepted payment options.",
			Handler: s.paymentOptions,
		},
		{
			Name: ActionAddToCart,
			Desc: "Add a product to the user's cart. The user must confirm.",
			Params: []Param{
				productParam,
				{Name: "quantity", Type: schema.Integer, Desc: "Number of units, defaults to 1"},
			},
			RequiresConfirmation: true,
			Handler:              s.addToCart,
		},
		{
			Name:                 ActionRemoveFromCart,
			Desc:                 "Remove a product from the user's cart. The user must confirm.",
			Params:               []Param{productParam},
			RequiresConfirmation: true,
			Handler:              s.removeFromCart,
		},
	}
}

func (s *shopActions) search(find func(context.Context, string) ([]shop.Product, error)) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		args, err := decodeArgs[queryArgs](call.Arguments)
		if err != nil {
			return nil, err
		}
		query, err := requireText("query", args.Query)
		if err != nil {
			return nil, err
		}
		return find(ctx, query)
	}
}

func (s *shopActions) featured(ctx context.Context, _ Call) (any, error) {
	return s.catalog.Featured(ctx)
}

func (s *shopActions) categories(ctx context.Context, _ Call) (any, error) {
	cats, err := s.catalog.Categories(ctx)
	if err != nil {
		return nil, err
	}
	return CategoryList{Categories: cats}, nil
}

func (s *shopActions) recommend(ctx context.Context, call Call) (any, error) {
	args, err := decodeArgs[productArgs](call.Arguments)
	if err != nil {
		return nil, err
	}
	id, err := requirePositive("product_id", args.ProductID)
	if err != nil {
		return nil, err
	}
	return s.catalog.Recommend(ctx, id)
}

func (s *shopActions) checkoutSummary(ctx context.Context, call Call) (any, error) {
	return s.carts.CheckoutSummary(ctx, call.UserID)
}

func (s *shopActions) deliveryEstimate(_ context.Context, _ Call) (any, error) {
	return DeliveryEstimate{
		Message:          "Estimated delivery time:",
		DeliveryEstimate: s.now().AddDate(0, 0, s.deliveryDays).Format(deliveryEstimateLayout),
	}, nil
}

func (s *shopActions) paymentOptions(_ context.Context, _ Call) (any, error) {
	return PaymentOptions{
		Message:        "Available payment options:",
		PaymentOptions: append([]string(nil), paymentOptions...),
	}, nil
}

func (s *shopActions) addToCart(ctx context.Context, call Call) (any, error) {
	args, err := decodeArgs[addToCartArgs](call.Arguments)
	if err != nil {
		return nil, err
	}
	id, err := requirePositive("product_id", args.ProductID)
	if err != nil {
		return nil, err
	}
	quantity := Int{Value: defaultCartAddQuantity, Set: true}
	if args.Quantity.Set {
		quantity = args.Quantity
	}
	qty, err := requirePositive("quantity", quantity)
	if err != nil {
		return nil, err
	}
	return s.carts.Add(ctx, call.UserID, id, int(qty))
}

func (s *shopActions) removeFromCart(ctx context.Context, call Call) (any, error) {
	args, err := decodeArgs[productArgs](call.Arguments)
	if err != nil {
		return nil, err
	}
	id, err := requirePositive("product_id", args.ProductID)
	if err != nil {
		return nil, err
	}
	return s.carts.Remove(ctx, call.UserID, id)
}
