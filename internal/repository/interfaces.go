// Package repository defines data access interfaces for longform entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/longform/internal/models"
)

// StatusCounts maps a segment status to the number of rows in it for
// one job.
type StatusCounts map[models.SegmentStatus]int64

// Succeeded returns the count of succeeded segments.
func (c StatusCounts) Succeeded() int64 { return c[models.SegmentStatusSucceeded] }

// Failed returns the count of failed segments.
func (c StatusCounts) Failed() int64 { return c[models.SegmentStatusFailed] }

// Total returns the total segment count across all statuses.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// JobRepository defines operations for longform job persistence.
type JobRepository interface {
	// Create persists a job and its segments in one transaction.
	// Duplicate segment indexes surface as a conflict error.
	Create(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) error
	// GetByID retrieves a job by ID. Unknown ids surface as a not-found
	// error.
	GetByID(ctx context.Context, id uuid.UUID) (*models.LongformJob, error)
	// ListByUser retrieves a user's jobs, newest first, with pagination.
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.LongformJob, int64, error)
	// ListUnfinished retrieves all jobs in a non-terminal status, for the
	// controller's self-healing sweep.
	ListUnfinished(ctx context.Context) ([]*models.LongformJob, error)
	// UpdateStatus transitions a job from one of the expected statuses to
	// the target status, applying mutate to the locked row first. A job
	// whose current status is not in from surfaces as a stale error;
	// terminal states never regress.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, mutate func(*models.LongformJob)) (*models.LongformJob, error)
	// SetCompletedSegments records the observed count of succeeded
	// segments on the job header.
	SetCompletedSegments(ctx context.Context, id uuid.UUID, n int64) error
	// DeleteOlderThan removes terminal jobs (and, via cascade, their
	// segments) updated before the given time. Blob artifacts outlive the
	// rows.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// SegmentRepository defines operations for longform segment persistence,
// including the multi-worker claim protocol.
type SegmentRepository interface {
	// ClaimNextSegment selects one workable segment, locks it for the
	// worker, and returns it. Eligible rows are queued segments without a
	// live lock and running segments whose lock expired before now-lockTTL.
	// Jobs that already have maxInflightPerJob live claims are skipped.
	// Returns (nil, nil) when nothing is workable.
	ClaimNextSegment(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration, maxInflightPerJob int) (*models.LongformSegment, error)
	// UpdateSegment applies mutate to the segment under a row lock,
	// guarded on the expected current status. A mismatch surfaces as a
	// stale error and nothing is written.
	UpdateSegment(ctx context.Context, id uuid.UUID, expected models.SegmentStatus, mutate func(*models.LongformSegment)) (*models.LongformSegment, error)
	// ReleaseSegment drops the lock on a segment without changing its
	// status.
	ReleaseSegment(ctx context.Context, id uuid.UUID) error
	// GetByID retrieves a segment by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.LongformSegment, error)
	// CountByStatus returns per-status segment counts for a job.
	CountByStatus(ctx context.Context, jobID uuid.UUID) (StatusCounts, error)
	// ListSegmentsOrdered returns a job's segments ordered by
	// segment_index ascending.
	ListSegmentsOrdered(ctx context.Context, jobID uuid.UUID) ([]*models.LongformSegment, error)
}
