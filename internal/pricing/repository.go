package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists price-history records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one record.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if r == nil {
		return Record{}, errors.New("pricing repository not initialised")
	}
	err := r.pool.QueryRow(ctx, `INSERT INTO price_changes
(product_id, unit, old_price, new_price, change_type, change_percent, actor, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		rec.ProductID, rec.Unit, rec.OldPrice, rec.NewPrice, string(rec.ChangeType), rec.ChangePercent, rec.Actor, rec.At).
		Scan(&rec.ID)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns records, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, unit, old_price, new_price, change_type, change_percent, actor, occurred_at
FROM price_changes
WHERE ($1 = 0 OR product_id = $1)
ORDER BY occurred_at DESC, id DESC
LIMIT $2`, filter.ProductID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		var rec Record
		var changeType string
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.Unit, &rec.OldPrice, &rec.NewPrice, &changeType, &rec.ChangePercent, &rec.Actor, &rec.At); err != nil {
			return nil, err
		}
		rec.ChangeType = ChangeType(changeType)
		records = append(records, rec)
	}
	return records, rows.Err()
}
