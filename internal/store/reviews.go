package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
)

type UpsertReviewRequest struct {
	UserID      int64
	ProductID   int64
	Title       string
	Description string
	Rating      int
}

// UpsertReview stores the user's review of a product, overwriting any
// earlier review by the same user, then recomputes the product's average
// rating and review count in the same transaction. The products.rating and
// products.num_reviews columns are written nowhere else; the serializable
// retry keeps concurrent upserts on the same product from averaging over a
// stale snapshot.
func UpsertReview(ctx context.Context, db *sql.DB, req UpsertReviewRequest) (*models.Review, error) {
	if req.UserID == 0 {
		return nil, database.ErrAuthenticationRequired
	}
	if req.Rating < 1 || req.Rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5, got %d", req.Rating)
	}

	review := &models.Review{}

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`,
			req.ProductID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check product exists: %w", err)
		}
		if !exists {
			return database.ErrProductNotFound
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO reviews (product_id, user_id, title, description, rating, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			 ON CONFLICT (product_id, user_id)
			 DO UPDATE SET title = $3, description = $4, rating = $5, updated_at = NOW()
			 RETURNING id, product_id, user_id, title, description, rating, created_at, updated_at`,
			req.ProductID, req.UserID, req.Title, req.Description, req.Rating).Scan(
			&review.ID,
			&review.ProductID,
			&review.UserID,
			&review.Title,
			&review.Description,
			&review.Rating,
			&review.CreatedAt,
			&review.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE products
			 SET rating = (SELECT COALESCE(AVG(rating), 0) FROM reviews WHERE product_id = $1),
			     num_reviews = (SELECT COUNT(*) FROM reviews WHERE product_id = $1),
			     updated_at = NOW()
			 WHERE id = $1`,
			req.ProductID)
		if err != nil {
			return fmt.Errorf("update product aggregates: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return review, nil
}

// ListReviews returns a product's reviews, newest first, with reviewer names.
func ListReviews(ctx context.Context, db *sql.DB, productID int64) ([]models.Review, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT r.id, r.product_id, r.user_id, u.name, r.title, r.description, r.rating, r.created_at, r.updated_at
		 FROM reviews r
		 JOIN users u ON u.id = r.user_id
		 WHERE r.product_id = $1
		 ORDER BY r.created_at DESC`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []models.Review
	for rows.Next() {
		var review models.Review
		err := rows.Scan(
			&review.ID,
			&review.ProductID,
			&review.UserID,
			&review.UserName,
			&review.Title,
			&review.Description,
			&review.Rating,
			&review.CreatedAt,
			&review.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reviews, nil
}

// GetUserReview returns the review the user wrote for the product, if any.
func GetUserReview(ctx context.Context, db *sql.DB, userID, productID int64) (*models.Review, error) {
	if userID == 0 {
		return nil, database.ErrAuthenticationRequired
	}

	review := &models.Review{}
	err := db.QueryRowContext(ctx,
		`SELECT id, product_id, user_id, title, description, rating, created_at, updated_at
		 FROM reviews
		 WHERE user_id = $1 AND product_id = $2`,
		userID, productID).Scan(
		&review.ID,
		&review.ProductID,
		&review.UserID,
		&review.Title,
		&review.Description,
		&review.Rating,
		&review.CreatedAt,
		&review.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrReviewNotFound
		}
		return nil, fmt.Errorf("get review: %w", err)
	}

	return review, nil
}
