package repository

import (
	"context"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/models"

	"gorm.io/gorm"
)

// StatusLogRepository appends and reads the append-only StatusLog audit
// trail, grounded on the same repository shape as FlowRepository.
type StatusLogRepository interface {
	Append(ctx context.Context, log *models.StatusLog) error
	ListByFlow(ctx context.Context, flowID string) ([]models.StatusLog, error)
}

type statusLogRepository struct {
	db *gorm.DB
}

func NewStatusLogRepository(db *gorm.DB) StatusLogRepository {
	return &statusLogRepository{db: db}
}

func (r *statusLogRepository) Append(ctx context.Context, log *models.StatusLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *statusLogRepository) ListByFlow(ctx context.Context, flowID string) ([]models.StatusLog, error) {
	var logs []models.StatusLog
	err := r.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
