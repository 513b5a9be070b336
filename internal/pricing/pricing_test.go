package pricing

import (
	"testing"

	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testRules() config.PricingConfig {
	return config.PricingConfig{
		FreeShippingThreshold: decimal.NewFromInt(100),
		ShippingFee:           decimal.NewFromInt(10),
		TaxRate:               decimal.NewFromFloat(0.07),
	}
}

func item(price string, qty int) models.CartItem {
	return models.CartItem{Price: decimal.RequireFromString(price), Quantity: qty}
}

func TestCalculateBelowFreeShippingThreshold(t *testing.T) {
	totals := Calculate([]models.CartItem{
		item("10.00", 2),
		item("5.00", 1),
	}, testRules())

	assert.True(t, totals.ItemsPrice.Equal(decimal.RequireFromString("25.00")), "items price %s", totals.ItemsPrice)
	assert.True(t, totals.ShippingPrice.Equal(decimal.RequireFromString("10.00")), "shipping price %s", totals.ShippingPrice)
	assert.True(t, totals.TaxPrice.Equal(decimal.RequireFromString("1.75")), "tax price %s", totals.TaxPrice)
	assert.True(t, totals.TotalPrice.Equal(decimal.RequireFromString("36.75")), "total price %s", totals.TotalPrice)
}

func TestCalculateAtFreeShippingThreshold(t *testing.T) {
	totals := Calculate([]models.CartItem{item("50.00", 2)}, testRules())

	assert.True(t, totals.ShippingPrice.IsZero(), "shipping should be free at the threshold, got %s", totals.ShippingPrice)
	assert.True(t, totals.TotalPrice.Equal(decimal.RequireFromString("107.00")), "total price %s", totals.TotalPrice)
}

func TestCalculateEmptyCart(t *testing.T) {
	totals := Calculate(nil, testRules())

	assert.True(t, totals.ItemsPrice.IsZero())
	assert.True(t, totals.ShippingPrice.IsZero(), "an empty cart pays no shipping")
	assert.True(t, totals.TaxPrice.IsZero())
	assert.True(t, totals.TotalPrice.IsZero())
}

func TestCalculateRoundsTaxToMinorUnits(t *testing.T) {
	// 33.33 * 0.07 = 2.3331, rounds to 2.33
	totals := Calculate([]models.CartItem{item("33.33", 1)}, testRules())

	assert.True(t, totals.TaxPrice.Equal(decimal.RequireFromString("2.33")), "tax price %s", totals.TaxPrice)
	assert.Equal(t, int32(-2), totals.TaxPrice.Exponent())
}

func TestCalculateIsDeterministic(t *testing.T) {
	items := []models.CartItem{item("19.99", 3), item("4.01", 2)}

	first := Calculate(items, testRules())
	second := Calculate(items, testRules())

	assert.True(t, first.TotalPrice.Equal(second.TotalPrice))
	assert.True(t, first.TotalPrice.Equal(first.ItemsPrice.Add(first.ShippingPrice).Add(first.TaxPrice)))
}

func TestStale(t *testing.T) {
	rules := testRules()
	cart := &models.Cart{Items: []models.CartItem{item("10.00", 2)}}

	totals := Calculate(cart.Items, rules)
	cart.ItemsPrice = totals.ItemsPrice
	cart.ShippingPrice = totals.ShippingPrice
	cart.TaxPrice = totals.TaxPrice
	cart.TotalPrice = totals.TotalPrice
	assert.False(t, Stale(cart, rules))

	cart.TotalPrice = cart.TotalPrice.Add(decimal.NewFromInt(1))
	assert.True(t, Stale(cart, rules))
}
