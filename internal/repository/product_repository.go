package repository

import (
	"context"
	"database/sql"

	"github.com/tr0ublekat/marketplace/internal/entity"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) GetProductByID(ctx context.Context, id int) (*entity.Product, error) {
	query := `SELECT id, name, price FROM products WHERE id = ?`

	product := &entity.Product{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&product.ID, &product.Name, &product.Price)
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (r *ProductRepository) CreateProduct(ctx context.Context, product *entity.Product) (*entity.Product, error) {
	query := `INSERT INTO products (name, price) VALUES (?, ?)`

	res, err := r.db.ExecContext(ctx, query, product.Name, product.Price)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	product.ID = int(id)
	return product, nil
}

func (r *ProductRepository) ListProducts(ctx context.Context, offset, limit int) ([]*entity.Product, error) {
	query := `SELECT id, name, price FROM products ORDER BY id LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*entity.Product
	for rows.Next() {
		product := &entity.Product{}
		err := rows.Scan(&product.ID, &product.Name, &product.Price)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}

	return products, rows.Err()
}

// AllPrices reads the full product price set. The cache preload uses it as
// the system of record.
func (r *ProductRepository) AllPrices(ctx context.Context) (map[int]float64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, price FROM products`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[int]float64)
	for rows.Next() {
		var id int
		var price float64
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		prices[id] = price
	}

	return prices, rows.Err()
}
