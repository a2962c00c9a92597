package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/longform/internal/models"
)

const testLockTTL = 10 * time.Minute

func TestSegmentRepo_ClaimNextSegment(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job, newTestSegments(job, 2)))

	now := time.Now()
	claimed, err := segments.ClaimNextSegment(ctx, "worker-1", now, testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, 0, claimed.SegmentIndex)
	assert.Equal(t, models.SegmentStatusAudioRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.LockedBy)
	require.NotNil(t, claimed.LockedAt)

	// A second worker gets the next row, never the same one.
	claimed2, err := segments.ClaimNextSegment(ctx, "worker-2", now, testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, 1, claimed2.SegmentIndex)
	assert.NotEqual(t, claimed.ID, claimed2.ID)

	// Nothing left.
	claimed3, err := segments.ClaimNextSegment(ctx, "worker-3", now, testLockTTL, 5)
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestSegmentRepo_ClaimNextSegment_ReclaimsStaleLock(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job, newTestSegments(job, 1)))

	start := time.Now()
	claimed, err := segments.ClaimNextSegment(ctx, "worker-a", start, testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Simulate worker-a progressing to the video stage, then crashing.
	_, err = segments.UpdateSegment(ctx, claimed.ID, models.SegmentStatusAudioRunning,
		func(s *models.LongformSegment) {
			s.Status = models.SegmentStatusVideoRunning
			s.TTSJobID = "tts-1"
		})
	require.NoError(t, err)

	// Within the TTL the lock is live; no reclaim.
	later := start.Add(time.Minute)
	reclaim, err := segments.ClaimNextSegment(ctx, "worker-b", later, testLockTTL, 5)
	require.NoError(t, err)
	assert.Nil(t, reclaim)

	// Past the TTL worker-b reclaims the row in its current stage with
	// the upstream reference intact.
	expired := start.Add(testLockTTL + time.Minute)
	reclaim, err = segments.ClaimNextSegment(ctx, "worker-b", expired, testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, reclaim)
	assert.Equal(t, claimed.ID, reclaim.ID)
	assert.Equal(t, models.SegmentStatusVideoRunning, reclaim.Status)
	assert.Equal(t, "worker-b", reclaim.LockedBy)
	assert.Equal(t, "tts-1", reclaim.TTSJobID)
}

func TestSegmentRepo_ClaimNextSegment_PerJobFairness(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	big := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, big, newTestSegments(big, 5)))

	now := time.Now()

	// With a cap of 2, only two segments of the same job can be in
	// flight at once.
	c1, err := segments.ClaimNextSegment(ctx, "w1", now, testLockTTL, 2)
	require.NoError(t, err)
	require.NotNil(t, c1)
	c2, err := segments.ClaimNextSegment(ctx, "w2", now, testLockTTL, 2)
	require.NoError(t, err)
	require.NotNil(t, c2)

	c3, err := segments.ClaimNextSegment(ctx, "w3", now, testLockTTL, 2)
	require.NoError(t, err)
	assert.Nil(t, c3, "job at inflight cap must be skipped")

	// A second job's segments remain claimable.
	small := newTestJob("user-2")
	require.NoError(t, jobs.Create(ctx, small, newTestSegments(small, 1)))

	c4, err := segments.ClaimNextSegment(ctx, "w3", now, testLockTTL, 2)
	require.NoError(t, err)
	require.NotNil(t, c4)
	assert.Equal(t, small.ID, c4.JobID)
}

func TestSegmentRepo_UpdateSegment_Guarded(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job, newTestSegments(job, 1)))

	claimed, err := segments.ClaimNextSegment(ctx, "worker-1", time.Now(), testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Guard miss: row is audio_running, not queued.
	_, err = segments.UpdateSegment(ctx, claimed.ID, models.SegmentStatusQueued,
		func(s *models.LongformSegment) { s.Status = models.SegmentStatusAudioRunning })
	require.Error(t, err)
	assert.Equal(t, models.KindStale, models.KindOf(err))

	// Matching guard writes through.
	updated, err := segments.UpdateSegment(ctx, claimed.ID, models.SegmentStatusAudioRunning,
		func(s *models.LongformSegment) {
			s.Status = models.SegmentStatusVideoRunning
			s.TTSJobID = "tts-9"
			s.AudioURL = "https://blob.test/audio"
		})
	require.NoError(t, err)
	assert.Equal(t, models.SegmentStatusVideoRunning, updated.Status)
	assert.Equal(t, "tts-9", updated.TTSJobID)

	// Illegal forward jump is rejected even with a matching guard.
	_, err = segments.UpdateSegment(ctx, claimed.ID, models.SegmentStatusVideoRunning,
		func(s *models.LongformSegment) { s.Status = models.SegmentStatusAudioRunning })
	require.Error(t, err)
	assert.Equal(t, models.KindStale, models.KindOf(err))
}

func TestSegmentRepo_UpdateSegment_NotFound(t *testing.T) {
	db := setupTestDB(t)
	segments := NewSegmentRepository(db)

	_, err := segments.UpdateSegment(context.Background(), uuid.New(),
		models.SegmentStatusQueued, func(*models.LongformSegment) {})
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestSegmentRepo_ReleaseSegment(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job, newTestSegments(job, 1)))

	claimed, err := segments.ClaimNextSegment(ctx, "worker-1", time.Now(), testLockTTL, 5)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, segments.ReleaseSegment(ctx, claimed.ID))

	got, err := segments.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	// Status is untouched by release.
	assert.Equal(t, models.SegmentStatusAudioRunning, got.Status)
}

func TestSegmentRepo_CountByStatus(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	segs := newTestSegments(job, 3)
	require.NoError(t, jobs.Create(ctx, job, segs))

	_, err := segments.UpdateSegment(ctx, segs[0].ID, models.SegmentStatusQueued,
		func(s *models.LongformSegment) { s.MarkFailed("ErrPolicy", "refused") })
	require.NoError(t, err)

	counts, err := segments.CountByStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[models.SegmentStatusQueued])
	assert.EqualValues(t, 1, counts.Failed())
	assert.EqualValues(t, 0, counts.Succeeded())
	assert.EqualValues(t, 3, counts.Total())
}

func TestSegmentRepo_ListSegmentsOrdered(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobRepository(db)
	segments := NewSegmentRepository(db)
	ctx := context.Background()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job, newTestSegments(job, 4)))

	list, err := segments.ListSegmentsOrdered(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i, seg := range list {
		assert.Equal(t, i, seg.SegmentIndex)
	}
}
