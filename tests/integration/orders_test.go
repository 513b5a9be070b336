package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
)

func TestPlaceOrderCopiesCartAndClearsIt(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rules := testPricingRules()

	user, err := store.RegisterUser(ctx, db, "buyer@example.com", "Buyer", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}
	owner := store.OwnerKey{UserID: user.ID}

	p1 := createTestProduct(t, db, "ordered-1", "10.00", 50)
	p2 := createTestProduct(t, db, "ordered-2", "5.00", 30)

	if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p1, 2)); err != nil {
		t.Fatalf("Add item 1: %v", err)
	}
	if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p2, 1)); err != nil {
		t.Fatalf("Add item 2: %v", err)
	}

	order, err := store.PlaceOrder(ctx, db, rules, store.PlaceOrderRequest{
		UserID:          user.ID,
		ShippingAddress: "221B Baker St",
		PaymentMethod:   "stripe",
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected pending status, got %s", order.Status)
	}
	if order.IsPaid {
		t.Error("A freshly placed order must not be paid")
	}
	if !order.ItemsPrice.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("Expected items price 25.00, got %s", order.ItemsPrice)
	}
	if !order.TotalPrice.Equal(decimal.RequireFromString("36.75")) {
		t.Errorf("Expected total price 36.75, got %s", order.TotalPrice)
	}
	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 order lines, got %d", len(order.Items))
	}

	p1After, err := store.GetProduct(ctx, db, p1.ID)
	if err != nil {
		t.Fatalf("Get product 1: %v", err)
	}
	if p1After.StockQuantity != 48 {
		t.Errorf("Expected stock 48, got %d", p1After.StockQuantity)
	}

	cart, err := store.GetCart(ctx, db, owner)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 0 || !cart.TotalPrice.IsZero() {
		t.Error("The cart must be empty with zeroed totals after placement")
	}
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rules := testPricingRules()

	user, err := store.RegisterUser(ctx, db, "empty@example.com", "Empty", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}
	owner := store.OwnerKey{UserID: user.ID}

	p := createTestProduct(t, db, "fleeting", "10.00", 50)
	if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p, 1)); err != nil {
		t.Fatalf("Add item: %v", err)
	}
	if _, err := store.RemoveItem(ctx, db, rules, owner, p.ID); err != nil {
		t.Fatalf("Remove item: %v", err)
	}

	_, err = store.PlaceOrder(ctx, db, rules, store.PlaceOrderRequest{UserID: user.ID})
	if err != database.ErrEmptyCart {
		t.Errorf("Expected empty cart error, got: %v", err)
	}
}

func TestMarkPaidTransitionsOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rules := testPricingRules()

	user, err := store.RegisterUser(ctx, db, "payer@example.com", "Payer", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}
	owner := store.OwnerKey{UserID: user.ID}

	p := createTestProduct(t, db, "paid-for", "10.00", 50)
	if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p, 1)); err != nil {
		t.Fatalf("Add item: %v", err)
	}

	order, err := store.PlaceOrder(ctx, db, rules, store.PlaceOrderRequest{UserID: user.ID})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	first := models.PaymentResult{
		TransactionID: "pi_first",
		Status:        "COMPLETED",
		PayerEmail:    "payer@example.com",
		AmountPaid:    order.TotalPrice,
	}

	paid, err := store.MarkPaid(ctx, db, order.ID, first)
	if err != nil {
		t.Fatalf("Mark paid: %v", err)
	}
	if !paid.IsPaid || paid.PaidAt == nil || paid.PaymentResult == nil {
		t.Fatal("Expected is_paid, paid_at and payment result set together")
	}

	// A redelivered confirmation with a different transaction id must be a
	// no-op success that leaves the stored result untouched.
	duplicate := models.PaymentResult{
		TransactionID: "pi_second",
		Status:        "COMPLETED",
		PayerEmail:    "payer@example.com",
		AmountPaid:    order.TotalPrice,
	}

	again, err := store.MarkPaid(ctx, db, order.ID, duplicate)
	if err != nil {
		t.Fatalf("Duplicate mark paid: %v", err)
	}
	if again.PaymentResult.TransactionID != "pi_first" {
		t.Errorf("Expected stored transaction pi_first, got %s", again.PaymentResult.TransactionID)
	}
	if !again.PaidAt.Equal(*paid.PaidAt) {
		t.Errorf("Expected paid_at unchanged, got %s then %s", paid.PaidAt, again.PaidAt)
	}
	if again.Version != paid.Version {
		t.Errorf("Expected version unchanged on duplicate delivery, got %d then %d", paid.Version, again.Version)
	}
}

func TestConcurrentMarkPaidAppliesOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rules := testPricingRules()

	user, err := store.RegisterUser(ctx, db, "race@example.com", "Racer", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}
	owner := store.OwnerKey{UserID: user.ID}

	p := createTestProduct(t, db, "contended", "10.00", 50)
	if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p, 1)); err != nil {
		t.Fatalf("Add item: %v", err)
	}

	order, err := store.PlaceOrder(ctx, db, rules, store.PlaceOrderRequest{UserID: user.ID})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	concurrency := 8
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MarkPaid(ctx, db, order.ID, models.PaymentResult{
				TransactionID: "pi_race",
				Status:        "COMPLETED",
				PayerEmail:    "race@example.com",
				AmountPaid:    order.TotalPrice,
			})
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("Concurrent mark paid failed: %v", err)
		}
	}

	after, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if !after.IsPaid {
		t.Error("Order should be paid")
	}
	// Version started at 1; exactly one delivery may bump it.
	if after.Version != 2 {
		t.Errorf("Expected version 2 (payment applied exactly once), got %d", after.Version)
	}
}

func TestMarkPaidOrderNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.MarkPaid(context.Background(), db, 424242, models.PaymentResult{TransactionID: "pi_none"})
	if err != database.ErrOrderNotFound {
		t.Errorf("Expected order not found error, got: %v", err)
	}
}

func TestListOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	rules := testPricingRules()

	user, err := store.RegisterUser(ctx, db, "lister@example.com", "Lister", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}
	owner := store.OwnerKey{UserID: user.ID}

	p := createTestProduct(t, db, "listed", "10.00", 100)

	for i := 0; i < 15; i++ {
		if _, err := store.AddItem(ctx, db, rules, owner, cartLine(p, 1)); err != nil {
			t.Fatalf("Add item %d: %v", i, err)
		}
		if _, err := store.PlaceOrder(ctx, db, rules, store.PlaceOrderRequest{UserID: user.ID}); err != nil {
			t.Fatalf("Place order %d: %v", i, err)
		}
	}

	page1, err := store.ListOrdersCursor(ctx, db, user.ID, "", 10)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	if !page1.HasMore {
		t.Error("Page 1 should have more results")
	}
	if page1.NextCursor == "" {
		t.Error("Page 1 should have a next cursor")
	}

	page2, err := store.ListOrdersCursor(ctx, db, user.ID, page1.NextCursor, 10)
	if err != nil {
		t.Fatalf("List orders page 2: %v", err)
	}
	if page2.HasMore {
		t.Error("Page 2 should not have more results")
	}
}
