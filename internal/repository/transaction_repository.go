package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// UpsertTransaction inserts tx unless a transaction for the same capture
// already exists. It reports whether a row was inserted.
func (r *TransactionRepository) UpsertTransaction(ctx context.Context, tx *TollTransaction) (bool, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "camera_id"}, {Name: "entry_time"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TransactionFilter narrows FindTransactions. Zero values match everything.
type TransactionFilter struct {
	CameraID string
	TollID   *int
	LaneNo   *int
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// FindTransactions returns transactions newest first
func (r *TransactionRepository) FindTransactions(ctx context.Context, f TransactionFilter) ([]TollTransaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := r.db.WithContext(ctx).Model(&TollTransaction{})
	if f.CameraID != "" {
		q = q.Where("camera_id = ?", f.CameraID)
	}
	if f.TollID != nil {
		q = q.Where("toll_id = ?", *f.TollID)
	}
	if f.LaneNo != nil {
		q = q.Where("lane_no = ?", *f.LaneNo)
	}
	if f.From != nil {
		q = q.Where("entry_time >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("entry_time < ?", f.To.UTC())
	}

	var out []TollTransaction
	err := q.Order("entry_time DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// CountTransactions returns the number of stored transactions
func (r *TransactionRepository) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&TollTransaction{}).Count(&n).Error
	return n, err
}
