package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mediaforge/longform/internal/models"
)

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create persists a job and its segments in one transaction.
func (r *jobRepo) Create(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("creating job: %w", err)
		}
		for _, seg := range segments {
			seg.JobID = job.ID
		}
		if len(segments) > 0 {
			if err := tx.Create(&segments).Error; err != nil {
				return fmt.Errorf("creating segments: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return models.WrapError(models.KindConflict, "job or segment already exists", err)
		}
		return err
	}
	return nil
}

// isDuplicateKey reports whether err is a unique-constraint violation.
// GORM translates these for postgres and mysql; the sqlite driver
// surfaces them as plain errors, hence the string check.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "Duplicate entry")
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LongformJob, error) {
	var job models.LongformJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "job %s not found", id)
		}
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	return &job, nil
}

// ListByUser retrieves a user's jobs, newest first, with pagination.
func (r *jobRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.LongformJob, int64, error) {
	var jobs []*models.LongformJob
	var total int64

	query := r.db.WithContext(ctx).Model(&models.LongformJob{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

// ListUnfinished retrieves all jobs in a non-terminal status.
func (r *jobRepo) ListUnfinished(ctx context.Context) ([]*models.LongformJob, error) {
	var jobs []*models.LongformJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{
			models.JobStatusQueued,
			models.JobStatusRunning,
			models.JobStatusStitching,
		}).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	return jobs, nil
}

// UpdateStatus transitions a job under a row lock, guarded on expected
// statuses.
func (r *jobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, mutate func(*models.LongformJob)) (*models.LongformJob, error) {
	var job models.LongformJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewErrorf(models.KindNotFound, "job %s not found", id)
			}
			return fmt.Errorf("locking job: %w", err)
		}

		if !slices.Contains(from, job.Status) {
			return models.NewErrorf(models.KindStale,
				"job %s is %s, expected one of %v", id, job.Status, from)
		}
		if !job.Status.CanTransitionTo(to) {
			return models.NewErrorf(models.KindStale,
				"job %s cannot move from %s to %s", id, job.Status, to)
		}

		if mutate != nil {
			mutate(&job)
		}
		job.Status = to

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SetCompletedSegments records the observed succeeded-segment count.
func (r *jobRepo) SetCompletedSegments(ctx context.Context, id uuid.UUID, n int64) error {
	result := r.db.WithContext(ctx).Model(&models.LongformJob{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"completed_segments": n,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating completed segments: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NewErrorf(models.KindNotFound, "job %s not found", id)
	}
	return nil
}

// DeleteOlderThan removes terminal jobs updated before the given time.
func (r *jobRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.JobStatus{models.JobStatusSucceeded, models.JobStatusFailed}, before).
		Delete(&models.LongformJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
