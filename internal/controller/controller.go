// Package controller owns job-level state. It reacts to segment
// terminal writes, rolls segment outcomes up into the job status, and
// runs the stitch once every segment has succeeded. A cron sweep
// re-evaluates unfinished jobs so a missed notification or a crashed
// stitch self-heals.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
	"github.com/mediaforge/longform/internal/repository"
)

// Stitcher concatenates a job's segment videos into the final output
// and returns its blob-store path.
type Stitcher interface {
	Stitch(ctx context.Context, job *models.LongformJob, segments []*models.LongformSegment) (string, error)
}

var runningOrEarlier = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusRunning,
}

// Controller evaluates job status from segment outcomes.
type Controller struct {
	mu sync.Mutex

	jobs     repository.JobRepository
	segments repository.SegmentRepository
	stitcher Stitcher
	logger   *slog.Logger

	schedule  string
	retention time.Duration
	cron      *cron.Cron

	// stitching tracks jobs with an in-flight stitch so a reactor call
	// and a sweep cannot run the concat twice at once.
	stitching map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Controller.
func New(jobs repository.JobRepository, segments repository.SegmentRepository, stitcher Stitcher, cfg config.ControllerConfig, logger *slog.Logger) *Controller {
	return &Controller{
		jobs:      jobs,
		segments:  segments,
		stitcher:  stitcher,
		logger:    observability.WithComponent(logger, "job-controller"),
		schedule:  cfg.SweepSchedule,
		retention: cfg.Retention,
		stitching: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the periodic sweep.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		return fmt.Errorf("controller already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.cron = cron.New(cron.WithSeconds())
	if _, err := c.cron.AddFunc(c.schedule, c.sweep); err != nil {
		c.ctx, c.cancel = nil, nil
		return fmt.Errorf("invalid sweep schedule %q: %w", c.schedule, err)
	}
	c.cron.Start()

	c.logger.Info("controller started", slog.String("sweep_schedule", c.schedule))
	return nil
}

// Stop halts the sweep and waits for in-flight stitches.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	cr := c.cron
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.ctx = nil
	c.cancel = nil
	c.cron = nil
	c.mu.Unlock()

	c.logger.Info("controller stopped")
}

// OnSegmentTerminal is the reactor hook workers call after a segment
// reaches succeeded or failed. Evaluation errors are logged, not
// returned; the sweep retries them.
func (c *Controller) OnSegmentTerminal(ctx context.Context, jobID uuid.UUID) {
	if err := c.Evaluate(ctx, jobID); err != nil {
		c.logger.Error("job evaluation failed",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err))
	}
}

// Evaluate recomputes a job's status from its segment counts. Terminal
// jobs are left untouched.
func (c *Controller) Evaluate(ctx context.Context, jobID uuid.UUID) error {
	logger := observability.WithJobID(c.logger, jobID.String())

	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	counts, err := c.segments.CountByStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.jobs.SetCompletedSegments(ctx, jobID, counts.Succeeded()); err != nil {
		return err
	}

	switch {
	case counts.Failed() > 0:
		return c.failJob(ctx, job, logger)
	case job.TotalSegments > 0 && counts.Succeeded() == int64(job.TotalSegments):
		return c.beginStitch(ctx, job, logger)
	default:
		return nil
	}
}

// failJob latches the job into failed, copying the first failed
// segment's error onto the header. Losing the transition race to
// another evaluator is fine.
func (c *Controller) failJob(ctx context.Context, job *models.LongformJob, logger *slog.Logger) error {
	code, message := c.firstSegmentError(ctx, job.ID)

	_, err := c.jobs.UpdateStatus(ctx, job.ID,
		[]models.JobStatus{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusStitching},
		models.JobStatusFailed,
		func(j *models.LongformJob) {
			j.ErrorCode = code
			j.ErrorMessage = message
		})
	if err != nil {
		if models.IsKind(err, models.KindStale) {
			return nil
		}
		return err
	}
	logger.Info("job failed", slog.String("error_code", code))
	return nil
}

// firstSegmentError returns the error recorded on the lowest-index
// failed segment.
func (c *Controller) firstSegmentError(ctx context.Context, jobID uuid.UUID) (string, string) {
	segments, err := c.segments.ListSegmentsOrdered(ctx, jobID)
	if err != nil {
		return string(models.KindTransient), "segment failed"
	}
	for _, seg := range segments {
		if seg.Status == models.SegmentStatusFailed {
			return seg.ErrorCode, seg.ErrorMessage
		}
	}
	return string(models.KindTransient), "segment failed"
}

// beginStitch moves the job to stitching and runs the concat in the
// background. A job already in stitching (a retried sweep, or another
// evaluator won the transition) proceeds straight to the stitch, which
// is idempotent.
func (c *Controller) beginStitch(ctx context.Context, job *models.LongformJob, logger *slog.Logger) error {
	if job.Status != models.JobStatusStitching {
		updated, err := c.jobs.UpdateStatus(ctx, job.ID, runningOrEarlier, models.JobStatusStitching, nil)
		if err != nil {
			if models.IsKind(err, models.KindStale) {
				return nil
			}
			return err
		}
		job = updated
		logger.Info("all segments succeeded, stitching")
	}

	c.mu.Lock()
	if c.ctx == nil {
		// Not started (direct Evaluate in tests); stitch inline.
		c.mu.Unlock()
		c.runStitch(ctx, job, logger)
		return nil
	}
	if _, busy := c.stitching[job.ID]; busy {
		c.mu.Unlock()
		return nil
	}
	c.stitching[job.ID] = struct{}{}
	bg := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.stitching, job.ID)
			c.mu.Unlock()
		}()
		c.runStitch(bg, job, logger)
	}()
	return nil
}

// runStitch performs the concat and records the outcome on the job.
func (c *Controller) runStitch(ctx context.Context, job *models.LongformJob, logger *slog.Logger) {
	segments, err := c.segments.ListSegmentsOrdered(ctx, job.ID)
	if err != nil {
		logger.Error("listing segments for stitch", slog.Any("error", err))
		return
	}

	finalPath, err := c.stitcher.Stitch(ctx, job, segments)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-stitch; the sweep picks the job up again.
			return
		}
		kind := models.KindOf(err)
		if kind == models.KindTransient {
			kind = models.KindStitchFailed
		}
		logger.Error("stitch failed",
			slog.String("error_code", string(kind)),
			slog.Any("error", err))
		_, uerr := c.jobs.UpdateStatus(ctx, job.ID,
			[]models.JobStatus{models.JobStatusStitching}, models.JobStatusFailed,
			func(j *models.LongformJob) {
				j.MarkFailed(string(kind), safeMessage(err))
			})
		if uerr != nil && !models.IsKind(uerr, models.KindStale) {
			logger.Error("recording stitch failure", slog.Any("error", uerr))
		}
		return
	}

	_, err = c.jobs.UpdateStatus(ctx, job.ID,
		[]models.JobStatus{models.JobStatusStitching}, models.JobStatusSucceeded,
		func(j *models.LongformJob) {
			j.FinalStoragePath = finalPath
		})
	if err != nil {
		if models.IsKind(err, models.KindStale) {
			return
		}
		logger.Error("recording stitch success", slog.Any("error", err))
		return
	}
	logger.Info("job succeeded", slog.String("final_storage_path", finalPath))
}

// safeMessage returns the caller-safe message of a categorized error,
// or a generic one: wrapped causes may name temp files or hosts that
// must not reach the job header.
func safeMessage(err error) string {
	var de *models.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return "stitch failed"
}

// sweep re-evaluates every unfinished job. It catches jobs whose
// terminal notification was lost and stitching jobs whose stitch died
// with the process.
func (c *Controller) sweep() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	jobs, err := c.jobs.ListUnfinished(ctx)
	if err != nil {
		c.logger.Error("sweep: listing unfinished jobs", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := c.Evaluate(ctx, job.ID); err != nil {
			c.logger.Error("sweep: job evaluation failed",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err))
		}
	}

	c.pruneExpired(ctx)
}

// pruneExpired deletes terminal jobs older than the retention window.
// Disabled when no retention is configured.
func (c *Controller) pruneExpired(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	n, err := c.jobs.DeleteOlderThan(ctx, time.Now().Add(-c.retention))
	if err != nil {
		c.logger.Error("sweep: pruning expired jobs", slog.Any("error", err))
		return
	}
	if n > 0 {
		c.logger.Info("pruned expired jobs", slog.Int64("deleted", n))
	}
}
