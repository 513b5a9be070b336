package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/pricing"
	"github.com/shopspring/decimal"
)

type PlaceOrderRequest struct {
	UserID          int64
	ShippingAddress string
	PaymentMethod   string
}

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

// PlaceOrder turns the user's cart into an order: the cart's lines and the
// four price fields are copied onto an immutable order, stock is decremented
// with conditional updates, and the cart is cleared, all in one serializable
// transaction. Totals are rederived from the lines rather than trusted from
// the stored cart.
func PlaceOrder(ctx context.Context, db *sql.DB, rules config.PricingConfig, req PlaceOrderRequest) (*models.Order, error) {
	if req.UserID == 0 {
		return nil, database.ErrAuthenticationRequired
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		cartID, err := lockCart(ctx, tx, OwnerKey{UserID: req.UserID})
		if err != nil {
			return err
		}

		items, err := loadCartItems(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return database.ErrEmptyCart
		}

		for _, item := range items {
			var stock int
			err := tx.QueryRowContext(ctx,
				`SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE`,
				item.ProductID).Scan(&stock)
			if err != nil {
				if err == sql.ErrNoRows {
					return database.ErrProductNotFound
				}
				return fmt.Errorf("lock product %d: %w", item.ProductID, err)
			}
			if stock < item.Quantity {
				return database.ErrOutOfStock
			}
		}

		totals := pricing.Calculate(items, rules)

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, shipping_address, payment_method,
			                     items_price, shipping_price, tax_price, total_price,
			                     is_paid, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, generateOrderNumber(), models.OrderStatusPending,
			req.ShippingAddress, req.PaymentMethod,
			totals.ItemsPrice, totals.ShippingPrice, totals.TaxPrice, totals.TotalPrice).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range items {
			subtotal := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, name, slug, image, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
				orderID, item.ProductID, item.Name, item.Slug, item.Image, item.Quantity, item.Price, subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for _, item := range items {
			result, err := tx.ExecContext(ctx,
				`UPDATE products
				 SET stock_quantity = stock_quantity - $1,
				     updated_at = NOW()
				 WHERE id = $2
				   AND stock_quantity >= $1`,
				item.Quantity, item.ProductID)
			if err != nil {
				return fmt.Errorf("update stock: %w", err)
			}

			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			if rowsAffected == 0 {
				return database.ErrOutOfStock
			}
		}

		if err := clearCartTx(ctx, tx, cartID); err != nil {
			return err
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// MarkPaid records a confirmed payment on the order: is_paid, paid_at and
// the payment result are set in one conditional update guarded by
// is_paid = false. Payment providers deliver confirmations at least once, so
// an already-paid order is a successful no-op and the originally stored
// payment result is never overwritten.
func MarkPaid(ctx context.Context, db *sql.DB, orderID int64, result models.PaymentResult) (*models.Order, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET is_paid = true,
		     paid_at = NOW(),
		     status = $1,
		     payment_transaction_id = $2,
		     payment_status = $3,
		     payer_email = $4,
		     amount_paid = $5,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $6
		   AND is_paid = false`,
		models.OrderStatusConfirmed,
		result.TransactionID, result.Status, result.PayerEmail, result.AmountPaid,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}

	order, err := GetOrder(ctx, db, orderID)
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 && !order.IsPaid {
		// Unreachable unless the row flipped back, which the schema forbids.
		return nil, fmt.Errorf("order %d not updated and not paid", orderID)
	}

	return order, nil
}

// GetOrder fetches an order with its lines.
func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order, err := scanOrderRow(db.QueryRowContext(ctx, selectOrderQuery+` WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, name, slug, image, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Name,
			&item.Slug,
			&item.Image,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items

	return order, nil
}

// ListOrdersCursor pages through a user's orders, newest first.
func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		selectOrderQuery+`
		 WHERE user_id = $1
		   AND (created_at, id) < ($2, $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ListAllOrders is the admin console's order list, newest first.
func ListAllOrders(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := db.QueryContext(ctx,
		selectOrderQuery+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      orders,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func DeleteOrder(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}

	return nil
}

const selectOrderQuery = `
	SELECT id, user_id, order_number, status, shipping_address, payment_method,
	       items_price, shipping_price, tax_price, total_price,
	       is_paid, paid_at,
	       payment_transaction_id, payment_status, payer_email, amount_paid,
	       created_at, updated_at, version
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var (
		shippingAddress sql.NullString
		paymentMethod   sql.NullString
		paidAt          sql.NullTime
		transactionID   sql.NullString
		paymentStatus   sql.NullString
		payerEmail      sql.NullString
		amountPaid      decimal.NullDecimal
	)

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&shippingAddress,
		&paymentMethod,
		&order.ItemsPrice,
		&order.ShippingPrice,
		&order.TaxPrice,
		&order.TotalPrice,
		&order.IsPaid,
		&paidAt,
		&transactionID,
		&paymentStatus,
		&payerEmail,
		&amountPaid,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	order.ShippingAddress = shippingAddress.String
	order.PaymentMethod = paymentMethod.String
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if transactionID.Valid {
		order.PaymentResult = &models.PaymentResult{
			TransactionID: transactionID.String,
			Status:        paymentStatus.String,
			PayerEmail:    payerEmail.String,
			AmountPaid:    amountPaid.Decimal,
		}
	}

	return order, nil
}

func getOrderTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order, err := scanOrderRow(tx.QueryRowContext(ctx, selectOrderQuery+` WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("fetch created order: %w", err)
	}
	return order, nil
}
