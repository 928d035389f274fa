package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sparkstep/pkg/models"
	"sparkstep/pkg/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.StepRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordSubmission inserts a PENDING record. A report that raced ahead of
// the insert has already created the row, which is left alone.
func (s *PostgresStore) RecordSubmission(ctx context.Context, sub *models.StepSubmission) error {
	rec := models.NewStepRecord(sub)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "class_name", "params", "attempt", "submitted_at"}),
		}).
		Create(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to record submission: %w", result.Error)
	}
	return nil
}

// ApplyReport merges a report into its record under a row lock.
func (s *PostgresStore) ApplyReport(ctx context.Context, report *models.StepReport) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.StepRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "id = ?", report.SubmissionID).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = models.StepRecord{
				ID:          report.SubmissionID,
				Status:      models.ExecutionPending,
				SubmittedAt: report.StartedAt,
			}
			rec.Apply(report)
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create step from report: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to load step: %w", err)
		}

		if !rec.Apply(report) {
			return nil
		}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to apply report: %w", err)
		}
		return nil
	})
}

// GetStep retrieves a record by submission id.
func (s *PostgresStore) GetStep(ctx context.Context, id uuid.UUID) (*models.StepRecord, error) {
	var rec models.StepRecord
	result := s.db.WithContext(ctx).First(&rec, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

// ListSteps returns records newest first.
func (s *PostgresStore) ListSteps(ctx context.Context, filter storage.StepFilter) ([]models.StepRecord, error) {
	var recs []models.StepRecord

	query := s.db.WithContext(ctx).Order("submitted_at desc").Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return recs, nil
}

// MarkOrphansAsFailed fails RUNNING records whose node is no longer
// registered. With no active nodes every RUNNING record is an orphan.
func (s *PostgresStore) MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&models.StepRecord{}).
		Where("status = ?", models.ExecutionRunning)

	if len(activeNodeIDs) > 0 {
		query = query.Where("node_id NOT IN ?", activeNodeIDs)
	}

	result := query.Updates(map[string]interface{}{
		"status":       models.ExecutionFailed,
		"exit_code":    -1,
		"message":      "executor node lost",
		"completed_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark orphans: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
