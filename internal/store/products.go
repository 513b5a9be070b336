package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

type ProductInput struct {
	Slug        string
	Name        string
	Description string
	Image       string
	Price       decimal.Decimal
	Stock       int
}

const selectProductQuery = `
	SELECT id, slug, name, description, image, price, stock_quantity, rating, num_reviews, created_at, updated_at, version
	FROM products`

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	err := row.Scan(
		&product.ID,
		&product.Slug,
		&product.Name,
		&product.Description,
		&product.Image,
		&product.Price,
		&product.StockQuantity,
		&product.Rating,
		&product.NumReviews,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}
	return product, nil
}

func CreateProduct(ctx context.Context, db *sql.DB, input ProductInput) (*models.Product, error) {
	product, err := scanProduct(db.QueryRowContext(ctx,
		`INSERT INTO products (slug, name, description, image, price, stock_quantity, rating, num_reviews, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, NOW(), NOW(), 1)
		 RETURNING id, slug, name, description, image, price, stock_quantity, rating, num_reviews, created_at, updated_at, version`,
		input.Slug, input.Name, input.Description, input.Image, input.Price, input.Stock))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product, err := scanProduct(db.QueryRowContext(ctx, selectProductQuery+` WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

func GetProductBySlug(ctx context.Context, db *sql.DB, slug string) (*models.Product, error) {
	product, err := scanProduct(db.QueryRowContext(ctx, selectProductQuery+` WHERE slug = $1`, slug))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product by slug: %w", err)
	}
	return product, nil
}

// UpdateProduct rewrites the catalog fields under an optimistic version
// check. The rating and num_reviews aggregates belong to the review store
// and are deliberately not touched here.
func UpdateProduct(ctx context.Context, db *sql.DB, id int64, input ProductInput, version int) (*models.Product, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET slug = $1, name = $2, description = $3, image = $4, price = $5, stock_quantity = $6,
		     updated_at = NOW(), version = version + 1
		 WHERE id = $7 AND version = $8`,
		input.Slug, input.Name, input.Description, input.Image, input.Price, input.Stock, id, version)
	if err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := GetProduct(ctx, db, id); err != nil {
			return nil, err
		}
		return nil, database.ErrOptimisticLockFailed
	}

	return GetProduct(ctx, db, id)
}

func DeleteProduct(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// ListProducts pages through the catalog, newest first. A non-empty query
// filters by name substring (the admin console's search box).
func ListProducts(ctx context.Context, db *sql.DB, query string, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')`,
		query).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := db.QueryContext(ctx,
		selectProductQuery+`
		 WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      products,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
