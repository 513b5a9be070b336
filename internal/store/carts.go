package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/pricing"
)

// OwnerKey identifies who a cart belongs to: an authenticated user or an
// anonymous browser session. Callers set exactly one of the two fields.
type OwnerKey struct {
	UserID        int64
	SessionCartID string
}

func (k OwnerKey) valid() bool {
	return (k.UserID != 0) != (k.SessionCartID != "")
}

// AddItem adds a line to the owner's cart, creating the cart if it does not
// exist yet. If the product is already in the cart its quantity is
// incremented instead. The four price fields are recomputed and persisted in
// the same transaction. Returns ErrOutOfStock when the resulting quantity
// exceeds available stock.
func AddItem(ctx context.Context, db *sql.DB, rules config.PricingConfig, owner OwnerKey, req models.CartItem) (*models.Cart, error) {
	if !owner.valid() {
		return nil, database.ErrCartNotFound
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	var cart *models.Cart

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var stock int
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity FROM products WHERE id = $1`,
			req.ProductID).Scan(&stock)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("check stock: %w", err)
		}

		cartID, err := lockCart(ctx, tx, owner)
		if err == database.ErrCartNotFound {
			cartID, err = createCart(ctx, tx, owner)
		}
		if err != nil {
			return err
		}

		var existingQty int
		err = tx.QueryRowContext(ctx,
			`SELECT quantity FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
			cartID, req.ProductID).Scan(&existingQty)
		switch {
		case err == sql.ErrNoRows:
			if req.Quantity > stock {
				return database.ErrOutOfStock
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO cart_items (cart_id, product_id, name, slug, image, price, quantity, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
				cartID, req.ProductID, req.Name, req.Slug, req.Image, req.Price, req.Quantity)
			if err != nil {
				return fmt.Errorf("insert cart item: %w", err)
			}
		case err != nil:
			return fmt.Errorf("find cart item: %w", err)
		default:
			if existingQty+req.Quantity > stock {
				return database.ErrOutOfStock
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE cart_items SET quantity = quantity + $1 WHERE cart_id = $2 AND product_id = $3`,
				req.Quantity, cartID, req.ProductID)
			if err != nil {
				return fmt.Errorf("increment cart item: %w", err)
			}
		}

		cart, err = repriceCart(ctx, tx, cartID, rules)
		return err
	})
	if err != nil {
		return nil, err
	}

	return cart, nil
}

// RemoveItem decrements the line's quantity by one and drops the line when
// it reaches zero, recomputing the cart's price fields. Returns
// ErrItemNotFound when the product is not in the cart.
func RemoveItem(ctx context.Context, db *sql.DB, rules config.PricingConfig, owner OwnerKey, productID int64) (*models.Cart, error) {
	if !owner.valid() {
		return nil, database.ErrCartNotFound
	}

	var cart *models.Cart

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		cartID, err := lockCart(ctx, tx, owner)
		if err != nil {
			return err
		}

		var quantity int
		err = tx.QueryRowContext(ctx,
			`SELECT quantity FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
			cartID, productID).Scan(&quantity)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrItemNotFound
			}
			return fmt.Errorf("find cart item: %w", err)
		}

		if quantity > 1 {
			_, err = tx.ExecContext(ctx,
				`UPDATE cart_items SET quantity = quantity - 1 WHERE cart_id = $1 AND product_id = $2`,
				cartID, productID)
		} else {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
				cartID, productID)
		}
		if err != nil {
			return fmt.Errorf("update cart item: %w", err)
		}

		cart, err = repriceCart(ctx, tx, cartID, rules)
		return err
	})
	if err != nil {
		return nil, err
	}

	return cart, nil
}

// MergeOnSignIn hands an anonymous session cart over to the user signing in.
// No-op when the session has no cart. When the user already owns a cart the
// authenticated cart wins and the anonymous one is discarded.
func MergeOnSignIn(ctx context.Context, db *sql.DB, sessionCartID string, userID int64) error {
	if sessionCartID == "" || userID == 0 {
		return nil
	}

	return database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		anonID, err := lockCart(ctx, tx, OwnerKey{SessionCartID: sessionCartID})
		if err == database.ErrCartNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = lockCart(ctx, tx, OwnerKey{UserID: userID})
		switch err {
		case nil:
			// The user kept shopping under their own cart; drop the
			// anonymous one rather than leaving an orphan behind.
			if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, anonID); err != nil {
				return fmt.Errorf("delete anonymous cart items: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, anonID); err != nil {
				return fmt.Errorf("delete anonymous cart: %w", err)
			}
			return nil
		case database.ErrCartNotFound:
			_, err := tx.ExecContext(ctx,
				`UPDATE carts SET user_id = $1, session_cart_id = NULL, updated_at = NOW() WHERE id = $2`,
				userID, anonID)
			if err != nil {
				return fmt.Errorf("reassign cart: %w", err)
			}
			return nil
		default:
			return err
		}
	})
}

// Clear empties the cart and zeroes its price fields. Called after an order
// is placed; a missing cart is not an error.
func Clear(ctx context.Context, db *sql.DB, owner OwnerKey) error {
	if !owner.valid() {
		return database.ErrCartNotFound
	}

	return database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		cartID, err := lockCart(ctx, tx, owner)
		if err == database.ErrCartNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return clearCartTx(ctx, tx, cartID)
	})
}

// GetCart fetches the owner's cart with lines in insertion order.
func GetCart(ctx context.Context, db *sql.DB, owner OwnerKey) (*models.Cart, error) {
	if !owner.valid() {
		return nil, database.ErrCartNotFound
	}

	cart := &models.Cart{}
	var userID sql.NullInt64
	var sessionCartID sql.NullString

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, session_cart_id, items_price, shipping_price, tax_price, total_price, created_at, updated_at
		 FROM carts `+ownerClause(owner),
		ownerArg(owner)).Scan(
		&cart.ID,
		&userID,
		&sessionCartID,
		&cart.ItemsPrice,
		&cart.ShippingPrice,
		&cart.TaxPrice,
		&cart.TotalPrice,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	cart.UserID = userID.Int64
	cart.SessionCartID = sessionCartID.String

	cart.Items, err = loadCartItems(ctx, db, cart.ID)
	if err != nil {
		return nil, err
	}

	return cart, nil
}

func ownerClause(owner OwnerKey) string {
	if owner.UserID != 0 {
		return `WHERE user_id = $1`
	}
	return `WHERE session_cart_id = $1`
}

func ownerArg(owner OwnerKey) interface{} {
	if owner.UserID != 0 {
		return owner.UserID
	}
	return owner.SessionCartID
}

func lockCart(ctx context.Context, tx *sql.Tx, owner OwnerKey) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM carts `+ownerClause(owner)+` FOR UPDATE`,
		ownerArg(owner)).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, database.ErrCartNotFound
		}
		return 0, fmt.Errorf("lock cart: %w", err)
	}
	return id, nil
}

func createCart(ctx context.Context, tx *sql.Tx, owner OwnerKey) (int64, error) {
	var userID sql.NullInt64
	var sessionCartID sql.NullString
	if owner.UserID != 0 {
		userID = sql.NullInt64{Int64: owner.UserID, Valid: true}
	} else {
		sessionCartID = sql.NullString{String: owner.SessionCartID, Valid: true}
	}

	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, session_cart_id, items_price, shipping_price, tax_price, total_price, created_at, updated_at)
		 VALUES ($1, $2, 0, 0, 0, 0, NOW(), NOW())
		 RETURNING id`,
		userID, sessionCartID).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the lazy-creation race; the retry will find the winner.
			return 0, fmt.Errorf("%w: cart already created", database.ErrRetryConflict)
		}
		return 0, fmt.Errorf("create cart: %w", err)
	}
	return id, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadCartItems(ctx context.Context, q rowQuerier, cartID int64) ([]models.CartItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT product_id, name, slug, image, price, quantity
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Slug, &item.Image, &item.Price, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// repriceCart rederives the four price fields from the current lines and
// persists them, returning the updated cart.
func repriceCart(ctx context.Context, tx *sql.Tx, cartID int64, rules config.PricingConfig) (*models.Cart, error) {
	items, err := loadCartItems(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}

	totals := pricing.Calculate(items, rules)

	cart := &models.Cart{ID: cartID, Items: items}
	var userID sql.NullInt64
	var sessionCartID sql.NullString

	err = tx.QueryRowContext(ctx,
		`UPDATE carts
		 SET items_price = $1, shipping_price = $2, tax_price = $3, total_price = $4, updated_at = NOW()
		 WHERE id = $5
		 RETURNING user_id, session_cart_id, items_price, shipping_price, tax_price, total_price, created_at, updated_at`,
		totals.ItemsPrice, totals.ShippingPrice, totals.TaxPrice, totals.TotalPrice, cartID).Scan(
		&userID,
		&sessionCartID,
		&cart.ItemsPrice,
		&cart.ShippingPrice,
		&cart.TaxPrice,
		&cart.TotalPrice,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update cart totals: %w", err)
	}
	cart.UserID = userID.Int64
	cart.SessionCartID = sessionCartID.String

	return cart, nil
}

func clearCartTx(ctx context.Context, tx *sql.Tx, cartID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart items: %w", err)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE carts
		 SET items_price = 0, shipping_price = 0, tax_price = 0, total_price = 0, updated_at = NOW()
		 WHERE id = $1`,
		cartID)
	if err != nil {
		return fmt.Errorf("reset cart totals: %w", err)
	}
	return nil
}
