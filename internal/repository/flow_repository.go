package repository

import (
	"context"
	"errors"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrFlowNotFound is returned when a lookup finds no matching row.
var ErrFlowNotFound = errors.New("repository: flow not found")

// FlowRepository is the persistence boundary for Flow rows, grounded on the
// teacher's interface-then-gorm-struct repository shape.
type FlowRepository interface {
	Create(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Flow, error)
	GetByAnyChainHash(ctx context.Context, hash string) (*models.Flow, error)
	ListNonTerminal(ctx context.Context) ([]models.Flow, error)
	// WithLock runs fn against the flow row loaded under SELECT ... FOR UPDATE
	// and saves whatever mutations fn makes, all inside one transaction - the
	// unit of serializable progress per the data model's chainProgress
	// read-modify-write rule.
	WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, flow *models.Flow) error) error
}

type flowRepository struct {
	db *gorm.DB
}

func NewFlowRepository(db *gorm.DB) FlowRepository {
	return &flowRepository{db: db}
}

func (r *flowRepository) Create(ctx context.Context, flow *models.Flow) error {
	now := time.Now()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	return r.db.WithContext(ctx).Create(flow).Error
}

func (r *flowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	var flow models.Flow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&flow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

func (r *flowRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Flow, error) {
	var flow models.Flow
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&flow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// GetByAnyChainHash looks a flow up by its initiating tx hash or any
// chain-specific tx hash recorded in chainProgress, per GET /flow/by-hash.
func (r *flowRepository) GetByAnyChainHash(ctx context.Context, hash string) (*models.Flow, error) {
	var flow models.Flow
	err := r.db.WithContext(ctx).Where(
		"tx_hash = ? OR chain_progress->'evm'->>'txHash' = ? OR chain_progress->'noble'->>'txHash' = ? OR chain_progress->'namada'->>'txHash' = ?",
		hash, hash, hash, hash,
	).First(&flow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

func (r *flowRepository) ListNonTerminal(ctx context.Context) ([]models.Flow, error) {
	var flows []models.Flow
	err := r.db.WithContext(ctx).Where("status = ?", models.FlowStatusPending).Find(&flows).Error
	return flows, err
}

func (r *flowRepository) WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, flow *models.Flow) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var flow models.Flow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&flow).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFlowNotFound
			}
			return err
		}
		if err := fn(tx, &flow); err != nil {
			return err
		}
		flow.UpdatedAt = time.Now()
		return tx.Save(&flow).Error
	})
}
