package batch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fresco-retail/fresco/internal/platform/db"
	"github.com/fresco-retail/fresco/internal/shared"
)

// Repository persists batch data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RepositoryPort abstracts repository usage for services.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListActive(ctx context.Context) ([]Batch, error)
	ListActiveByProduct(ctx context.Context, productID int64) ([]Batch, error)
	ListActiveByProducts(ctx context.Context, productIDs []int64) ([]Batch, error)
	ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]Batch, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// TxRepository exposes transactional operations used by services. Every
// read-modify-write on a batch goes through GetBatchForUpdate or
// ListActiveForUpdate so concurrent mutations of the same row never
// interleave.
type TxRepository interface {
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	GetBatchForUpdate(ctx context.Context, id int64) (Batch, error)
	ListActiveForUpdate(ctx context.Context, productID int64) ([]Batch, error)
	UpdateBatch(ctx context.Context, b Batch) (Batch, error)
	InsertMovement(ctx context.Context, m Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

const batchColumns = `id, product_id, quantity, manufacture_date, expiry_date, status,
	discount_type, discount_value, discount_start, discount_end, discount_reason,
	version, created_at, updated_at`

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures surface as shared.ErrConcurrentUpdate so callers can
// apply their bounded retry policy.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("batch repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return shared.ErrConcurrentUpdate
	}
	return err
}

// GetBatch loads one batch without locking.
func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id)
	return scanBatch(row)
}

// ListActive returns every active batch, FEFO order.
func (r *Repository) ListActive(ctx context.Context) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE status='active'
ORDER BY expiry_date ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListActiveByProduct returns a product's active batches, FEFO order.
func (r *Repository) ListActiveByProduct(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id=$1 AND status='active'
ORDER BY expiry_date ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListActiveByProducts returns active batches for a set of products, FEFO order.
func (r *Repository) ListActiveByProducts(ctx context.Context, productIDs []int64) ([]Batch, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id = ANY($1) AND status='active'
ORDER BY expiry_date ASC, id ASC`, productIDs)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListActiveExpiringWithin returns active batches whose expiry date falls in
// [from, to], both bounds inclusive.
func (r *Repository) ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE status='active' AND expiry_date >= $1 AND expiry_date <= $2
ORDER BY expiry_date ASC, id ASC`, dateOf(from), dateOf(to))
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// SweepExpired flips every batch whose expiry date has passed to expired in a
// single statement. Idempotent; no quantity side effects.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE batches
SET status='expired', version=version+1, updated_at=NOW()
WHERE expiry_date < $1 AND status <> 'expired'`, dateOf(now))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO batches
(product_id, quantity, manufacture_date, expiry_date, status,
 discount_type, discount_value, discount_start, discount_end, discount_reason,
 version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW())
RETURNING `+batchColumns,
		b.ProductID, b.Quantity, dateOf(b.ManufactureDate), dateOf(b.ExpiryDate), string(b.Status),
		discountType(b.Discount), discountValue(b.Discount), discountStart(b.Discount), discountEnd(b.Discount), discountReason(b.Discount))
	return scanBatch(row)
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, id)
	return scanBatch(row)
}

func (r *txRepository) ListActiveForUpdate(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id=$1 AND status='active'
ORDER BY expiry_date ASC, id ASC
FOR UPDATE`, productID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// UpdateBatch persists the batch with a compare-and-swap on version. A missed
// swap means a concurrent writer got there first.
func (r *txRepository) UpdateBatch(ctx context.Context, b Batch) (Batch, error) {
	row := r.tx.QueryRow(ctx, `UPDATE batches
SET quantity=$2, status=$3,
    discount_type=$4, discount_value=$5, discount_start=$6, discount_end=$7, discount_reason=$8,
    version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$9
RETURNING `+batchColumns,
		b.ID, b.Quantity, string(b.Status),
		discountType(b.Discount), discountValue(b.Discount), discountStart(b.Discount), discountEnd(b.Discount), discountReason(b.Discount),
		b.Version)
	updated, err := scanBatch(row)
	if errors.Is(err, shared.ErrNotFound) {
		return Batch{}, shared.ErrConcurrentUpdate
	}
	return updated, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO batch_movements
(batch_id, product_id, movement_type, qty, ref_module, ref_id, actor, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		m.BatchID, m.ProductID, string(m.Type), m.Qty, m.RefModule, m.RefID, m.Actor, nullTime(m.At))
	return err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var status string
	var dType, dReason *string
	var dValue *float64
	var dStart, dEnd *time.Time
	err := row.Scan(&b.ID, &b.ProductID, &b.Quantity, &b.ManufactureDate, &b.ExpiryDate, &status,
		&dType, &dValue, &dStart, &dEnd, &dReason,
		&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, shared.ErrNotFound
		}
		return Batch{}, err
	}
	b.Status = Status(status)
	if dType != nil && dValue != nil && dStart != nil && dEnd != nil && dReason != nil {
		b.Discount = &Discount{
			Type:      DiscountType(*dType),
			Value:     *dValue,
			StartDate: *dStart,
			EndDate:   *dEnd,
			Reason:    DiscountReason(*dReason),
		}
	}
	return b, nil
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func discountType(d *Discount) *string {
	if d == nil {
		return nil
	}
	s := string(d.Type)
	return &s
}

func discountValue(d *Discount) *float64 {
	if d == nil {
		return nil
	}
	return &d.Value
}

func discountStart(d *Discount) *time.Time {
	if d == nil {
		return nil
	}
	return &d.StartDate
}

func discountEnd(d *Discount) *time.Time {
	if d == nil {
		return nil
	}
	return &d.EndDate
}

func discountReason(d *Discount) *string {
	if d == nil {
		return nil
	}
	s := string(d.Reason)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
