package upstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
)

// Fusion job statuses as reported by the lip-sync service.
const (
	FusionStatusQueued    = "queued"
	FusionStatusRunning   = "running"
	FusionStatusSucceeded = "succeeded"
	FusionStatusFailed    = "failed"
)

// FusionSubmission is one lip-sync request. Audio is referenced either
// by storage path or by URL; consent is asserted on every submission.
type FusionSubmission struct {
	FaceArtifactID   string `json:"face_artifact_id"`
	AudioStoragePath string `json:"audio_storage_path,omitempty"`
	AudioURL         string `json:"audio_url,omitempty"`
	AspectRatio      string `json:"aspect_ratio"`
	IdempotencyKey   string `json:"idempotency_key"`
	Consent          bool   `json:"consent"`
}

// FusionAccepted is the response to a submission. ProviderJobID is set
// when the fusion service delegates to an external provider.
type FusionAccepted struct {
	JobID         string `json:"fusion_job_id"`
	ProviderJobID string `json:"provider_job_id,omitempty"`
}

// FusionResult is the outcome of a finished lip-sync job.
type FusionResult struct {
	VideoURL    string
	StoragePath string
	DurationSec float64
}

type fusionStatusResponse struct {
	Status      string     `json:"status"`
	VideoURL    string     `json:"video_url"`
	StoragePath string     `json:"storage_path"`
	DurationSec float64    `json:"duration_sec"`
	Error       *errorBody `json:"error,omitempty"`
}

// FusionClient talks to the lip-sync fusion service.
type FusionClient struct {
	caller     *caller
	pollBudget time.Duration
	backoff    Backoff
	logger     *slog.Logger
}

// NewFusionClient creates a fusion client from configuration.
func NewFusionClient(cfg config.UpstreamConfig, logger *slog.Logger) *FusionClient {
	logger = observability.WithComponent(logger, "fusion-client")
	return &FusionClient{
		caller:     newCaller("fusion", cfg, logger),
		pollBudget: cfg.PollBudget,
		backoff:    PollBackoff(),
		logger:     logger,
	}
}

// Submit starts a lip-sync job. Submissions without consent are refused
// locally; the upstream would reject them anyway.
func (c *FusionClient) Submit(ctx context.Context, token string, sub FusionSubmission) (*FusionAccepted, error) {
	if !sub.Consent {
		return nil, models.NewError(models.KindPolicy, "fusion submission requires consent")
	}
	if sub.AudioStoragePath == "" && sub.AudioURL == "" {
		return nil, models.NewError(models.KindValidation, "fusion submission requires an audio reference")
	}

	var resp FusionAccepted
	if err := c.caller.postJSON(ctx, "/jobs", token, sub, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, models.NewError(models.KindTransient, "fusion accepted submission without a job id")
	}
	return &resp, nil
}

// Poll fetches the job's status once. It returns (nil, nil) while the
// job is still in flight.
func (c *FusionClient) Poll(ctx context.Context, token, jobID string) (*FusionResult, error) {
	var resp fusionStatusResponse
	if err := c.caller.getJSON(ctx, "/jobs/"+jobID, token, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case FusionStatusSucceeded:
		if resp.VideoURL == "" && resp.StoragePath == "" {
			return nil, models.NewError(models.KindTransient, "fusion succeeded without a video reference")
		}
		return &FusionResult{
			VideoURL:    resp.VideoURL,
			StoragePath: resp.StoragePath,
			DurationSec: resp.DurationSec,
		}, nil
	case FusionStatusFailed:
		return nil, c.failure(resp.Error)
	case FusionStatusQueued, FusionStatusRunning:
		return nil, nil
	default:
		return nil, models.NewErrorf(models.KindTransient, "fusion reported unknown status %q", resp.Status)
	}
}

// AwaitResult polls with backoff until the job finishes or the poll
// budget runs out. Fusion renders take minutes, so the budget here is
// much larger than the TTS one.
func (c *FusionClient) AwaitResult(ctx context.Context, token, jobID string) (*FusionResult, error) {
	deadline := time.Now().Add(c.pollBudget)

	for attempt := 1; ; attempt++ {
		result, err := c.Poll(ctx, token, jobID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		if time.Now().After(deadline) {
			c.logger.Warn("fusion poll budget exhausted",
				slog.String("fusion_job_id", jobID),
				slog.Duration("budget", c.pollBudget),
			)
			return nil, models.NewErrorf(models.KindTransient,
				"fusion job %s still running after %s", jobID, c.pollBudget)
		}
		if err := c.backoff.Sleep(ctx, attempt); err != nil {
			return nil, models.WrapError(models.KindTransient, "fusion poll interrupted", err)
		}
	}
}

func (c *FusionClient) failure(e *errorBody) error {
	if e == nil {
		return models.NewError(models.KindUpstreamFatal, "fusion job failed")
	}
	kind := models.KindUpstreamFatal
	if _, ok := policyCodes[e.code()]; ok {
		kind = models.KindPolicy
	}
	msg := "fusion job failed"
	if code := e.code(); code != "" {
		msg += " (" + code + ")"
	}
	if m := e.message(); m != "" {
		msg += ": " + m
	}
	return models.NewError(kind, msg)
}
