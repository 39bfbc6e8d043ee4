package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/haggle/internal/domain"
)

type ProductRepo struct {
	pool *pgxpool.Pool
}

func NewProductRepo(pool *pgxpool.Pool) *ProductRepo {
	return &ProductRepo{pool: pool}
}

func (r *ProductRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	var p domain.Product

	err := r.pool.QueryRow(ctx,
		`SELECT id, name, price::float8 FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("productRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("productRepo.GetByID: %w", err)
	}

	return &p, nil
}

func (r *ProductRepo) List(ctx context.Context) ([]*domain.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price::float8 FROM products ORDER BY name LIMIT 1000`,
	)
	if err != nil {
		return nil, fmt.Errorf("productRepo.List: %w", err)
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price); err != nil {
			return nil, fmt.Errorf("productRepo.List: scan: %w", err)
		}
		products = append(products, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("productRepo.List: rows: %w", err)
	}

	return products, nil
}

func (r *ProductRepo) Upsert(ctx context.Context, p *domain.Product) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, price) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price`,
		p.ID, p.Name, p.Price,
	)
	if err != nil {
		return fmt.Errorf("productRepo.Upsert: %w", err)
	}

	return nil
}
