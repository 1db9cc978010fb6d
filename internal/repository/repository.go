package repository

import (
	"context"
	"database/sql"

	"github.com/tr0ublekat/marketplace/internal/entity"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrder persists an order and all its items atomically. Either every
// row is written or none; the assigned order id is set on the passed order.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *entity.Order) (*entity.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	orderQuery := `INSERT INTO orders (user_id, total, status) VALUES (?, ?, ?)`
	res, err := tx.ExecContext(ctx, orderQuery, order.UserID, order.Total, order.Status)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	orderID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// Batch insert order items
	itemQuery := `INSERT INTO order_items (order_id, product_id, quantity, unit_price, line_total) VALUES `

	var values []interface{}
	for _, item := range order.Items {
		itemQuery += "(?, ?, ?, ?, ?),"
		values = append(values, orderID, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal)
	}
	itemQuery = itemQuery[:len(itemQuery)-1]

	_, err = tx.ExecContext(ctx, itemQuery, values...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	order.ID = int(orderID)
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	return order, nil
}

func (r *OrderRepository) GetOrderByID(ctx context.Context, id int) (*entity.Order, error) {
	orderQuery := `SELECT id, user_id, total, status FROM orders WHERE id = ?`
	itemQuery := `SELECT order_id, product_id, quantity, unit_price, line_total FROM order_items WHERE order_id = ?`

	order := &entity.Order{}
	err := r.db.QueryRowContext(ctx, orderQuery, id).Scan(&order.ID, &order.UserID, &order.Total, &order.Status)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, itemQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item := entity.OrderItem{}
		err := rows.Scan(&item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	return order, rows.Err()
}

func (r *OrderRepository) ListOrders(ctx context.Context, offset, limit int) ([]*entity.Order, error) {
	query := `SELECT id, user_id, total, status FROM orders ORDER BY id LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*entity.Order
	byID := make(map[int]*entity.Order)
	for rows.Next() {
		order := &entity.Order{}
		err := rows.Scan(&order.ID, &order.UserID, &order.Total, &order.Status)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	// Fetch the items of the whole page in one query
	itemQuery := `SELECT order_id, product_id, quantity, unit_price, line_total FROM order_items WHERE order_id IN (`
	var args []interface{}
	for _, order := range orders {
		itemQuery += "?,"
		args = append(args, order.ID)
	}
	itemQuery = itemQuery[:len(itemQuery)-1] + `) ORDER BY order_id, id`

	itemRows, err := r.db.QueryContext(ctx, itemQuery, args...)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		item := entity.OrderItem{}
		err := itemRows.Scan(&item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal)
		if err != nil {
			return nil, err
		}
		if order, ok := byID[item.OrderID]; ok {
			order.Items = append(order.Items, item)
		}
	}

	return orders, itemRows.Err()
}
