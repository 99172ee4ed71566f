// Package catalog is the read-only boundary to the product catalog. The core
// never mutates products; it only resolves prices, units and category
// membership for allocation provenance and campaign targeting.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/fresco-retail/fresco/internal/shared"
)

// Product is the catalog projection the core needs.
type Product struct {
	ID         int64
	SKU        string
	Name       string
	Unit       string
	CategoryID int64
	SalePrice  float64
}

// Repository reads products from PostgreSQL. Category lookups during campaign
// passes are collapsed through singleflight since a scheduler tick can apply
// many campaigns targeting the same categories at once.
type Repository struct {
	pool  *pgxpool.Pool
	group singleflight.Group
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, unit, category_id, sale_price FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.CategoryID, &p.SalePrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// GetProducts loads a set of products keyed by id. Missing ids are simply
// absent from the map.
func (r *Repository) GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	result := make(map[int64]Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit, category_id, sale_price FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.CategoryID, &p.SalePrice); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

// ProductIDsByCategories resolves the products belonging to the given
// categories.
func (r *Repository) ProductIDsByCategories(ctx context.Context, categoryIDs []int64) ([]int64, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	key := categoryKey(categoryIDs)
	v, err, _ := r.group.Do(key, func() (any, error) {
		rows, err := r.pool.Query(ctx, `SELECT id FROM products WHERE category_id = ANY($1) ORDER BY id`, categoryIDs)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	ids, _ := v.([]int64)
	return ids, nil
}

func categoryKey(categoryIDs []int64) string {
	sorted := append([]int64(nil), categoryIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
