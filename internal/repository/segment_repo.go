package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mediaforge/longform/internal/models"
)

// segmentRepo implements SegmentRepository using GORM.
type segmentRepo struct {
	db *gorm.DB
}

// NewSegmentRepository creates a new SegmentRepository.
func NewSegmentRepository(db *gorm.DB) *segmentRepo {
	return &segmentRepo{db: db}
}

var runningStatuses = []models.SegmentStatus{
	models.SegmentStatusAudioRunning,
	models.SegmentStatusVideoRunning,
}

// ClaimNextSegment atomically claims one workable segment.
// Uses SELECT FOR UPDATE with SKIP LOCKED for safe concurrent access.
//
// A queued segment is claimed into audio_running. A running segment
// whose lock expired keeps its status so the new holder resumes the
// in-flight stage; the stored upstream job ids prevent duplicate
// submissions.
func (r *segmentRepo) ClaimNextSegment(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration, maxInflightPerJob int) (*models.LongformSegment, error) {
	var seg models.LongformSegment
	staleBefore := now.Add(-lockTTL)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Jobs at their inflight budget are skipped for fairness.
		busyJobs := tx.Model(&models.LongformSegment{}).
			Select("job_id").
			Where("locked_by <> '' AND locked_at >= ?", staleBefore).
			Group("job_id").
			Having("COUNT(*) >= ?", maxInflightPerJob)

		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(
				"(status = ? AND (locked_by IS NULL OR locked_by = '')) OR (status IN ? AND locked_at < ?)",
				models.SegmentStatusQueued, runningStatuses, staleBefore,
			).
			Where("job_id NOT IN (?)", busyJobs).
			Order("created_at ASC, segment_index ASC").
			Limit(1)

		if err := query.First(&seg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err // translated to (nil, nil) below
			}
			return fmt.Errorf("finding workable segment: %w", err)
		}

		if seg.Status == models.SegmentStatusQueued {
			seg.Status = models.SegmentStatusAudioRunning
		}
		lockedAt := now
		seg.LockedBy = workerID
		seg.LockedAt = &lockedAt

		if err := tx.Save(&seg).Error; err != nil {
			return fmt.Errorf("claiming segment: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // nothing workable
		}
		return nil, err
	}
	return &seg, nil
}

// UpdateSegment applies mutate under a row lock, guarded on the expected
// current status.
func (r *segmentRepo) UpdateSegment(ctx context.Context, id uuid.UUID, expected models.SegmentStatus, mutate func(*models.LongformSegment)) (*models.LongformSegment, error) {
	var seg models.LongformSegment

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&seg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewErrorf(models.KindNotFound, "segment %s not found", id)
			}
			return fmt.Errorf("locking segment: %w", err)
		}

		if seg.Status != expected {
			return models.NewErrorf(models.KindStale,
				"segment %s is %s, expected %s", id, seg.Status, expected)
		}

		mutate(&seg)

		if seg.Status != expected && !expected.CanTransitionTo(seg.Status) {
			return models.NewErrorf(models.KindStale,
				"segment %s cannot move from %s to %s", id, expected, seg.Status)
		}

		if err := tx.Save(&seg).Error; err != nil {
			return fmt.Errorf("updating segment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// ReleaseSegment drops the lock without changing the status.
func (r *segmentRepo) ReleaseSegment(ctx context.Context, id uuid.UUID) error {
	// UpdateColumns avoids triggering model hooks.
	result := r.db.WithContext(ctx).Model(&models.LongformSegment{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"locked_by": "",
			"locked_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("releasing segment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NewErrorf(models.KindNotFound, "segment %s not found", id)
	}
	return nil
}

// GetByID retrieves a segment by ID.
func (r *segmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LongformSegment, error) {
	var seg models.LongformSegment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&seg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewErrorf(models.KindNotFound, "segment %s not found", id)
		}
		return nil, fmt.Errorf("getting segment by ID: %w", err)
	}
	return &seg, nil
}

// CountByStatus returns per-status segment counts for a job.
func (r *segmentRepo) CountByStatus(ctx context.Context, jobID uuid.UUID) (StatusCounts, error) {
	var rows []struct {
		Status models.SegmentStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.LongformSegment{}).
		Select("status, COUNT(*) as count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting segments by status: %w", err)
	}

	counts := make(StatusCounts, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListSegmentsOrdered returns a job's segments by ascending index.
func (r *segmentRepo) ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error) {
	var segments []*models.LongformSegment
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("segment_index ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	return segments, nil
}

// Ensure segmentRepo implements SegmentRepository at compile time.
var _ SegmentRepository = (*segmentRepo)(nil)
