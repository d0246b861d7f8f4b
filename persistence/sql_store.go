package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/wayflow/internal/database"
	"github.com/BaSui01/wayflow/workflow"
)

// ConversationRecord is the table row of SQLStore.
type ConversationRecord struct {
	ID        string     `gorm:"primaryKey;size:64"`
	FlowID    string     `gorm:"size:64;index"`
	FlowName  string     `gorm:"size:255"`
	Status    string     `gorm:"size:64;index"`
	Data      []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (ConversationRecord) TableName() string { return "wayflow_conversations" }

func (r *ConversationRecord) summary() Summary {
	return Summary{
		ID:        r.ID,
		FlowID:    r.FlowID,
		FlowName:  r.FlowName,
		Status:    workflow.StatusKind(r.Status),
		UpdatedAt: r.UpdatedAt,
	}
}

// SQLStore keeps snapshots in a relational database through gorm.
type SQLStore struct {
	pool   *database.PoolManager
	opts   Options
	logger *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore migrates the conversations table and returns the store. The
// pool is closed by Close.
func NewSQLStore(ctx context.Context, pool *database.PoolManager, opts Options, logger *zap.Logger) (*SQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil database pool", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&ConversationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate conversations table: %w", err)
	}
	return &SQLStore{
		pool:   pool,
		opts:   opts,
		logger: logger.With(zap.String("component", "sql_store")),
	}, nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats reports connection pool statistics.
func (s *SQLStore) Stats() sql.DBStats {
	return s.pool.Stats()
}

func (s *SQLStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func (s *SQLStore) live(ctx context.Context) *gorm.DB {
	return s.db(ctx).Where("expires_at IS NULL OR expires_at > ?", time.Now())
}

// Save upserts the row keyed by conversation ID.
func (s *SQLStore) Save(ctx context.Context, snap *workflow.ConversationSnapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	sum := summaryOf(snap)
	rec := &ConversationRecord{
		ID:        snap.ID,
		FlowID:    sum.FlowID,
		FlowName:  sum.FlowName,
		Status:    string(sum.Status),
		Data:      data,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: sum.UpdatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = sum.UpdatedAt
	}
	if s.opts.TTL > 0 {
		exp := time.Now().Add(s.opts.TTL)
		rec.ExpiresAt = &exp
	}

	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"flow_id", "flow_name", "status", "data", "expires_at", "updated_at"}),
		}).Create(rec).Error
	})
}

func (s *SQLStore) Load(ctx context.Context, id string) (*workflow.ConversationSnapshot, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var rec ConversationRecord
	err := s.live(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return workflow.UnmarshalSnapshot(rec.Data)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	res := s.db(ctx).Where("id = ?", id).Delete(&ConversationRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List orders by updated_at in SQL and pages in the query.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	q := s.live(ctx).Model(&ConversationRecord{}).
		Select("id", "flow_id", "flow_name", "status", "updated_at").
		Order("updated_at DESC").Order("id")
	if filter.FlowID != "" {
		q = q.Where("flow_id = ?", filter.FlowID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []ConversationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Summary, len(recs))
	for i := range recs {
		out[i] = recs[i].summary()
	}
	return out, nil
}

// Purge deletes expired rows and reports how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res := s.db(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).Delete(&ConversationRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("purged expired conversations", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
