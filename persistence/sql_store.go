package persistence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/orchestra/internal/database"
	"github.com/BaSui01/orchestra/types"
)

// StateRecord is the current snapshot of one destination.
type StateRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Destination string `gorm:"size:255;uniqueIndex"`
	Version     int
	Document    string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName implements gorm's Tabler.
func (StateRecord) TableName() string { return "orchestra_states" }

// StateHistoryRecord is one saved snapshot; every Save appends a row.
type StateHistoryRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Destination string `gorm:"size:255;index"`
	Document    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName implements gorm's Tabler.
func (StateHistoryRecord) TableName() string { return "orchestra_state_history" }

// SQLStateStore stores snapshots in a relational database.
type SQLStateStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewSQLStateStore migrates the schema and returns a store.
func NewSQLStateStore(ctx context.Context, pool *database.PoolManager, logger *zap.Logger) (*SQLStateStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&StateRecord{}, &StateHistoryRecord{}); err != nil {
		return nil, types.NewError(types.ErrStateStore, "failed to migrate state tables").WithCause(err)
	}
	return &SQLStateStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "sql_state_store")),
	}, nil
}

// Save implements StateStore.
func (s *SQLStateStore) Save(ctx context.Context, dest string, state *types.OrchestrationState) error {
	if dest == "" {
		return storeError("save", dest, ErrInvalidInput)
	}
	data, err := Encode(state)
	if err != nil {
		return storeError("save", dest, err)
	}

	rec := StateRecord{Destination: dest, Version: state.Version, Document: string(data)}
	err = s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "destination"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "document", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Create(&StateHistoryRecord{Destination: dest, Document: rec.Document}).Error
	})
	if err != nil {
		return storeError("save", dest, err)
	}
	s.logger.Debug("state saved", zap.String("destination", dest), zap.Int("bytes", len(data)))
	return nil
}

// Load implements StateStore.
func (s *SQLStateStore) Load(ctx context.Context, src string) (*types.OrchestrationState, error) {
	var rec StateRecord
	err := s.pool.DB().WithContext(ctx).Where("destination = ?", src).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(src)
		}
		return nil, storeError("load", src, err)
	}
	return Decode([]byte(rec.Document))
}

// HistoryCount returns how many snapshots were saved for dest.
func (s *SQLStateStore) HistoryCount(ctx context.Context, dest string) (int64, error) {
	var n int64
	err := s.pool.DB().WithContext(ctx).Model(&StateHistoryRecord{}).Where("destination = ?", dest).Count(&n).Error
	return n, err
}

// Close implements StateStore.
func (s *SQLStateStore) Close() error {
	return s.pool.Close()
}
