// Package worker drives claimed segments through the two-stage
// audio-then-video pipeline. All upstream calls are idempotent so a
// crashed worker's segment can be resumed by another worker without
// duplicate submissions.
package worker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
	"github.com/mediaforge/longform/internal/repository"
	"github.com/mediaforge/longform/internal/upstream"
)

// TTSService is the slice of the TTS client the processor needs.
type TTSService interface {
	Submit(ctx context.Context, token string, sub upstream.TTSSubmission) (string, error)
	AwaitResult(ctx context.Context, token, jobID string) (*upstream.TTSResult, error)
}

// FusionService is the slice of the fusion client the processor needs.
type FusionService interface {
	Submit(ctx context.Context, token string, sub upstream.FusionSubmission) (*upstream.FusionAccepted, error)
	AwaitResult(ctx context.Context, token, jobID string) (*upstream.FusionResult, error)
}

// TerminalFunc is invoked after a segment reaches a terminal status so
// the job controller can re-evaluate the job.
type TerminalFunc func(ctx context.Context, jobID uuid.UUID)

// Processor runs one claimed segment to the next durable state.
type Processor struct {
	jobs     repository.JobRepository
	segments repository.SegmentRepository
	tts      TTSService
	fusion   FusionService

	retry            upstream.Backoff
	maxAudioAttempts int
	maxVideoAttempts int

	onTerminal TerminalFunc
	logger     *slog.Logger
}

// NewProcessor creates a Processor. maxAudioAttempts and
// maxVideoAttempts bound the per-stage retries for transient failures.
func NewProcessor(
	jobs repository.JobRepository,
	segments repository.SegmentRepository,
	tts TTSService,
	fusion FusionService,
	maxAudioAttempts, maxVideoAttempts int,
	onTerminal TerminalFunc,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		jobs:             jobs,
		segments:         segments,
		tts:              tts,
		fusion:           fusion,
		retry:            upstream.RetryBackoff(),
		maxAudioAttempts: maxAudioAttempts,
		maxVideoAttempts: maxVideoAttempts,
		onTerminal:       onTerminal,
		logger:           observability.WithComponent(logger, "segment-worker"),
	}
}

// Process drives a claimed segment as far as it can go. Segment
// outcomes (including failures) are recorded in the database; the
// returned error reports only infrastructure problems such as a lost
// claim or an interrupted context.
func (p *Processor) Process(ctx context.Context, workerID string, seg *models.LongformSegment) error {
	logger := observability.WithSegment(
		observability.WithJobID(p.logger, seg.JobID.String()),
		seg.ID.String(), seg.SegmentIndex)

	job, err := p.jobs.GetByID(ctx, seg.JobID)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			// Job purged underneath us; nothing to advance.
			return p.segments.ReleaseSegment(ctx, seg.ID)
		}
		return err
	}
	if job.Status.IsTerminal() {
		logger.Info("dropping segment of finished job", slog.String("job_status", string(job.Status)))
		_, err := p.segments.UpdateSegment(ctx, seg.ID, seg.Status, func(s *models.LongformSegment) {
			s.MarkFailed(string(models.KindStale), "job already finished")
		})
		return err
	}

	p.ensureJobRunning(ctx, job)

	if seg.Status == models.SegmentStatusAudioRunning {
		seg, err = p.runAudioStage(ctx, workerID, job, seg, logger)
		if err != nil || seg == nil {
			return err
		}
	}
	if seg.Status == models.SegmentStatusVideoRunning {
		_, err = p.runVideoStage(ctx, workerID, job, seg, logger)
		return err
	}
	return nil
}

// ensureJobRunning moves a queued job to running the first time one of
// its segments is picked up. Losing the race to another worker is fine.
func (p *Processor) ensureJobRunning(ctx context.Context, job *models.LongformJob) {
	if job.Status != models.JobStatusQueued {
		return
	}
	_, err := p.jobs.UpdateStatus(ctx, job.ID,
		[]models.JobStatus{models.JobStatusQueued}, models.JobStatusRunning, nil)
	if err != nil && !models.IsKind(err, models.KindStale) {
		p.logger.Warn("could not mark job running", slog.Any("error", err))
	}
}

// runAudioStage submits (or resumes) the TTS job and waits for its
// audio. On success the segment advances to video_running.
func (p *Processor) runAudioStage(ctx context.Context, workerID string, job *models.LongformJob, seg *models.LongformSegment, logger *slog.Logger) (*models.LongformSegment, error) {
	for {
		if seg.TTSJobID == "" {
			ttsJobID, err := p.tts.Submit(ctx, job.AuthToken, upstream.TTSSubmission{
				Text:           seg.TextChunk,
				VoiceCfg:       job.VoiceCfg,
				IdempotencyKey: seg.AudioIdemKey,
			})
			if err != nil {
				retry, seg2, perr := p.noteStageFailure(ctx, workerID, seg, err, p.maxAudioAttempts, logger)
				if perr != nil || !retry {
					return nil, perr
				}
				seg = seg2
				continue
			}

			seg2, err := p.persist(ctx, workerID, seg, func(s *models.LongformSegment) {
				s.TTSJobID = ttsJobID
			})
			if err != nil {
				return nil, err
			}
			seg = seg2
			logger.Info("tts job submitted", slog.String("tts_job_id", ttsJobID))
		}

		result, err := p.tts.AwaitResult(ctx, job.AuthToken, seg.TTSJobID)
		if err != nil {
			retry, seg2, perr := p.noteStageFailure(ctx, workerID, seg, err, p.maxAudioAttempts, logger)
			if perr != nil || !retry {
				return nil, perr
			}
			seg = seg2
			continue
		}

		seg2, err := p.persist(ctx, workerID, seg, func(s *models.LongformSegment) {
			s.Status = models.SegmentStatusVideoRunning
			s.AudioURL = result.AudioURL
			s.AudioArtifactID = result.AudioArtifactID
			s.AudioStoragePath = result.StoragePath
			if result.DurationSec > 0 {
				s.ActualDurationSec = int(math.Round(result.DurationSec))
			}
			s.Attempts = 0
		})
		if err != nil {
			return nil, err
		}
		logger.Info("audio stage complete", slog.String("tts_job_id", seg.TTSJobID))
		return seg2, nil
	}
}

// runVideoStage submits (or resumes) the fusion job and waits for the
// lip-synced video. On success the segment reaches succeeded and the
// lock is released.
func (p *Processor) runVideoStage(ctx context.Context, workerID string, job *models.LongformJob, seg *models.LongformSegment, logger *slog.Logger) (*models.LongformSegment, error) {
	for {
		if seg.FusionJobID == "" {
			accepted, err := p.fusion.Submit(ctx, job.AuthToken, upstream.FusionSubmission{
				FaceArtifactID:   job.FaceArtifactID.String(),
				AudioStoragePath: seg.AudioStoragePath,
				AudioURL:         seg.AudioURL,
				AspectRatio:      string(job.AspectRatio),
				IdempotencyKey:   seg.VideoIdemKey,
				Consent:          true,
			})
			if err != nil {
				retry, seg2, perr := p.noteStageFailure(ctx, workerID, seg, err, p.maxVideoAttempts, logger)
				if perr != nil || !retry {
					return nil, perr
				}
				seg = seg2
				continue
			}

			seg2, err := p.persist(ctx, workerID, seg, func(s *models.LongformSegment) {
				s.FusionJobID = accepted.JobID
				s.ProviderJobID = accepted.ProviderJobID
			})
			if err != nil {
				return nil, err
			}
			seg = seg2
			logger.Info("fusion job submitted", slog.String("fusion_job_id", accepted.JobID))
		}

		result, err := p.fusion.AwaitResult(ctx, job.AuthToken, seg.FusionJobID)
		if err != nil {
			retry, seg2, perr := p.noteStageFailure(ctx, workerID, seg, err, p.maxVideoAttempts, logger)
			if perr != nil || !retry {
				return nil, perr
			}
			seg = seg2
			continue
		}

		seg2, err := p.segments.UpdateSegment(ctx, seg.ID, seg.Status, func(s *models.LongformSegment) {
			s.Status = models.SegmentStatusSucceeded
			s.SegmentVideoURL = result.VideoURL
			s.SegmentStoragePath = result.StoragePath
			if result.DurationSec > 0 && s.ActualDurationSec == 0 {
				s.ActualDurationSec = int(math.Round(result.DurationSec))
			}
			s.LockedBy = ""
			s.LockedAt = nil
		})
		if err != nil {
			return nil, err
		}
		logger.Info("segment succeeded", slog.String("fusion_job_id", seg.FusionJobID))

		if p.onTerminal != nil {
			p.onTerminal(ctx, seg.JobID)
		}
		return seg2, nil
	}
}

// noteStageFailure classifies a stage error. Transient errors below the
// attempt budget count an attempt, sleep the retry backoff, and report
// retry=true. Anything else marks the segment failed.
//
// A canceled context is neither: the claim is left in place and the
// lock TTL lets another worker resume the stage.
func (p *Processor) noteStageFailure(ctx context.Context, workerID string, seg *models.LongformSegment, cause error, maxAttempts int, logger *slog.Logger) (bool, *models.LongformSegment, error) {
	if ctx.Err() != nil {
		return false, nil, ctx.Err()
	}

	kind := models.KindOf(cause)
	attempts := seg.Attempts + 1

	if models.Retryable(cause) && attempts < maxAttempts {
		logger.Warn("stage attempt failed, will retry",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", cause.Error()),
		)
		seg2, err := p.persist(ctx, workerID, seg, func(s *models.LongformSegment) {
			s.Attempts = attempts
		})
		if err != nil {
			return false, nil, err
		}
		if err := p.retry.Sleep(ctx, attempts); err != nil {
			return false, nil, err
		}
		return true, seg2, nil
	}

	logger.Error("segment failed",
		slog.String("error_code", string(kind)),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	_, err := p.segments.UpdateSegment(ctx, seg.ID, seg.Status, func(s *models.LongformSegment) {
		s.Attempts = attempts
		s.MarkFailed(string(kind), cause.Error())
	})
	if err != nil {
		return false, nil, err
	}

	if p.onTerminal != nil {
		p.onTerminal(ctx, seg.JobID)
	}
	return false, nil, nil
}

// persist applies mutate under the claim guard and refreshes the lock
// so a long-running stage is not reclaimed mid-flight.
func (p *Processor) persist(ctx context.Context, workerID string, seg *models.LongformSegment, mutate func(*models.LongformSegment)) (*models.LongformSegment, error) {
	now := time.Now()
	return p.segments.UpdateSegment(ctx, seg.ID, seg.Status, func(s *models.LongformSegment) {
		mutate(s)
		s.LockedBy = workerID
		s.LockedAt = &now
	})
}
