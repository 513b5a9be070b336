// Package pricing derives cart totals from line items. Every function here
// is pure: totals can be recomputed from stored items at any time to check
// that persisted values are not stale.
package pricing

import (
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

type Totals struct {
	ItemsPrice    decimal.Decimal
	ShippingPrice decimal.Decimal
	TaxPrice      decimal.Decimal
	TotalPrice    decimal.Decimal
}

// Calculate computes the four price fields for a set of line items. All
// values are rounded to 2 decimal places (currency minor units).
func Calculate(items []models.CartItem, rules config.PricingConfig) Totals {
	itemsPrice := decimal.Zero
	for _, item := range items {
		itemsPrice = itemsPrice.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	itemsPrice = itemsPrice.Round(2)

	shippingPrice := decimal.Zero
	if len(items) > 0 && itemsPrice.LessThan(rules.FreeShippingThreshold) {
		shippingPrice = rules.ShippingFee.Round(2)
	}

	taxPrice := itemsPrice.Mul(rules.TaxRate).Round(2)

	return Totals{
		ItemsPrice:    itemsPrice,
		ShippingPrice: shippingPrice,
		TaxPrice:      taxPrice,
		TotalPrice:    itemsPrice.Add(shippingPrice).Add(taxPrice),
	}
}

// Stale reports whether stored totals no longer match what the items derive.
func Stale(cart *models.Cart, rules config.PricingConfig) bool {
	t := Calculate(cart.Items, rules)
	return !t.ItemsPrice.Equal(cart.ItemsPrice) ||
		!t.ShippingPrice.Equal(cart.ShippingPrice) ||
		!t.TaxPrice.Equal(cart.TaxPrice) ||
		!t.TotalPrice.Equal(cart.TotalPrice)
}
