package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/shared"
)

// Repository persists campaigns in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RepositoryPort abstracts campaign persistence for the service.
type RepositoryPort interface {
	Insert(ctx context.Context, c Campaign) (Campaign, error)
	Update(ctx context.Context, c Campaign) (Campaign, error)
	GetByID(ctx context.Context, id int64) (Campaign, error)
	ListDueAutoApply(ctx context.Context, now time.Time) ([]Campaign, error)
}

const campaignColumns = `id, name, description, discount_type, discount_value, start_date, end_date,
	target_type, product_ids, category_ids, days_before_expiry, min_percent, max_percent,
	active, auto_apply, created_by, created_at, updated_at`

// Insert stores a new campaign.
func (r *Repository) Insert(ctx context.Context, c Campaign) (Campaign, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO discount_campaigns
(name, description, discount_type, discount_value, start_date, end_date,
 target_type, product_ids, category_ids, days_before_expiry, min_percent, max_percent,
 active, auto_apply, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
RETURNING `+campaignColumns,
		c.Name, c.Description, string(c.DiscountType), c.DiscountValue, c.StartDate, c.EndDate,
		string(c.TargetType), c.ProductIDs, c.CategoryIDs, c.DaysBeforeExpiry, c.MinPercent, c.MaxPercent,
		c.Active, c.AutoApply, c.CreatedBy)
	return scanCampaign(row)
}

// Update stores campaign edits.
func (r *Repository) Update(ctx context.Context, c Campaign) (Campaign, error) {
	row := r.pool.QueryRow(ctx, `UPDATE discount_campaigns
SET name=$2, description=$3, discount_type=$4, discount_value=$5, start_date=$6, end_date=$7,
    target_type=$8, product_ids=$9, category_ids=$10, days_before_expiry=$11,
    min_percent=$12, max_percent=$13, active=$14, auto_apply=$15, updated_at=NOW()
WHERE id=$1
RETURNING `+campaignColumns,
		c.ID, c.Name, c.Description, string(c.DiscountType), c.DiscountValue, c.StartDate, c.EndDate,
		string(c.TargetType), c.ProductIDs, c.CategoryIDs, c.DaysBeforeExpiry,
		c.MinPercent, c.MaxPercent, c.Active, c.AutoApply)
	return scanCampaign(row)
}

// GetByID loads one campaign.
func (r *Repository) GetByID(ctx context.Context, id int64) (Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM discount_campaigns WHERE id=$1`, id)
	return scanCampaign(row)
}

// ListDueAutoApply returns active, auto-apply campaigns whose window covers
// now. The nightly scheduler re-applies each to catch batches that newly
// entered a near-expiry window.
func (r *Repository) ListDueAutoApply(ctx context.Context, now time.Time) ([]Campaign, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+campaignColumns+` FROM discount_campaigns
WHERE active AND auto_apply AND start_date <= $1 AND end_date > $1
ORDER BY id ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	var discountType, targetType string
	err := row.Scan(&c.ID, &c.Name, &c.Description, &discountType, &c.DiscountValue, &c.StartDate, &c.EndDate,
		&targetType, &c.ProductIDs, &c.CategoryIDs, &c.DaysBeforeExpiry, &c.MinPercent, &c.MaxPercent,
		&c.Active, &c.AutoApply, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, shared.ErrNotFound
		}
		return Campaign{}, err
	}
	c.DiscountType = batch.DiscountType(discountType)
	c.TargetType = TargetType(targetType)
	return c, nil
}
