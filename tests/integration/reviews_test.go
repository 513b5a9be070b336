package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
)

func TestUpsertReviewAggregatesAcrossUsers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product := createTestProduct(t, db, "reviewed", "10.00", 50)

	alice, err := store.RegisterUser(ctx, db, "alice@example.com", "Alice", "secret123")
	if err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	bob, err := store.RegisterUser(ctx, db, "bob@example.com", "Bob", "secret123")
	if err != nil {
		t.Fatalf("Register bob: %v", err)
	}

	if _, err := store.UpsertReview(ctx, db, store.UpsertReviewRequest{
		UserID: alice.ID, ProductID: product.ID, Title: "Great", Rating: 5,
	}); err != nil {
		t.Fatalf("Alice review: %v", err)
	}
	if _, err := store.UpsertReview(ctx, db, store.UpsertReviewRequest{
		UserID: bob.ID, ProductID: product.ID, Title: "Okay", Rating: 2,
	}); err != nil {
		t.Fatalf("Bob review: %v", err)
	}

	after, err := store.GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}

	if after.NumReviews != 2 {
		t.Errorf("Expected 2 reviews, got %d", after.NumReviews)
	}
	if !after.Rating.Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("Expected rating 3.5, got %s", after.Rating)
	}
}

func TestUpsertReviewOverwritesOwnReview(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product := createTestProduct(t, db, "revised", "10.00", 50)
	user, err := store.RegisterUser(ctx, db, "revise@example.com", "Reviser", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}

	if _, err := store.UpsertReview(ctx, db, store.UpsertReviewRequest{
		UserID: user.ID, ProductID: product.ID, Title: "First take", Rating: 2,
	}); err != nil {
		t.Fatalf("First review: %v", err)
	}
	review, err := store.UpsertReview(ctx, db, store.UpsertReviewRequest{
		UserID: user.ID, ProductID: product.ID, Title: "Second take", Rating: 4,
	})
	if err != nil {
		t.Fatalf("Second review: %v", err)
	}

	if review.Title != "Second take" || review.Rating != 4 {
		t.Errorf("Expected the second review to overwrite, got %q rating %d", review.Title, review.Rating)
	}

	after, err := store.GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if after.NumReviews != 1 {
		t.Errorf("Expected the user's review counted once, got %d", after.NumReviews)
	}
	if !after.Rating.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected rating 4, got %s", after.Rating)
	}

	reviews, err := store.ListReviews(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("List reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Errorf("Expected exactly one stored review, got %d", len(reviews))
	}
}

func TestUpsertReviewRequiresAuthentication(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	product := createTestProduct(t, db, "anon-reviewed", "10.00", 50)

	_, err := store.UpsertReview(context.Background(), db, store.UpsertReviewRequest{
		UserID: 0, ProductID: product.ID, Title: "Anonymous", Rating: 3,
	})
	if err != database.ErrAuthenticationRequired {
		t.Errorf("Expected authentication required error, got: %v", err)
	}
}

func TestUpsertReviewProductNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, err := store.RegisterUser(ctx, db, "ghost@example.com", "Ghost", "secret123")
	if err != nil {
		t.Fatalf("Register user: %v", err)
	}

	_, err = store.UpsertReview(ctx, db, store.UpsertReviewRequest{
		UserID: user.ID, ProductID: 424242, Title: "Phantom", Rating: 3,
	})
	if err != database.ErrProductNotFound {
		t.Errorf("Expected product not found error, got: %v", err)
	}
}

func TestConcurrentReviewsKeepAggregateConsistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product := createTestProduct(t, db, "contested", "10.00", 50)

	concurrency := 10
	userIDs := make([]int64, concurrency)
	ratingSum := 0
	for i := 0; i < concurrency; i++ {
		user, err := store.RegisterUser(ctx, db, fmt.Sprintf("reviewer%d@example.com", i), "Reviewer", "secret123")
		if err != nil {
			t.Fatalf("Register reviewer %d: %v", i, err)
		}
		userIDs[i] = user.ID
		ratingSum += i%5 + 1
	}

	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(userID int64, rating int) {
			defer wg.Done()
			_, err := store.UpsertReview(ctx, db, store.UpsertReviewRequest{
				UserID: userID, ProductID: product.ID, Title: "Concurrent", Rating: rating,
			})
			results <- err
		}(userIDs[i], i%5+1)
	}

	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("Concurrent review failed: %v", err)
		}
	}

	after, err := store.GetProduct(ctx, db, product.ID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}

	if after.NumReviews != concurrency {
		t.Errorf("Expected %d reviews, got %d (lost update)", concurrency, after.NumReviews)
	}

	expected := decimal.NewFromInt(int64(ratingSum)).
		Div(decimal.NewFromInt(int64(concurrency))).
		Round(2)
	if !after.Rating.Round(2).Equal(expected) {
		t.Errorf("Expected rating %s (mean of all persisted reviews), got %s", expected, after.Rating)
	}
}
