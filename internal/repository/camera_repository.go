package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tendant/toll-frame-pipeline/internal/camera"
)

const statusActive = "active"

type CameraRepository struct {
	db *gorm.DB
}

func NewCameraRepository(db *gorm.DB) *CameraRepository {
	return &CameraRepository{db: db}
}

// ActiveCameras implements camera.Source
func (r *CameraRepository) ActiveCameras(ctx context.Context) ([]camera.Record, error) {
	var rows []Camera
	err := r.db.WithContext(ctx).
		Where("LOWER(status) = ?", statusActive).
		Order("toll_id, lane, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]camera.Record, 0, len(rows))
	for _, c := range rows {
		out = append(out, camera.Record{
			ID:        c.ID,
			Company:   c.Company,
			Location:  c.Location,
			TollID:    c.TollID,
			LaneNo:    c.Lane,
			IO:        c.IO,
			StreamURI: c.Stream,
			Active:    strings.EqualFold(c.Status, statusActive),
		})
	}
	return out, nil
}

// SaveCamera creates or replaces a camera row
func (r *CameraRepository) SaveCamera(ctx context.Context, c *Camera) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(c).Error
}
