package upstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
)

// TTS job statuses as reported by the speech service.
const (
	TTSStatusQueued    = "queued"
	TTSStatusRunning   = "running"
	TTSStatusSucceeded = "succeeded"
	TTSStatusFailed    = "failed"
)

// TTSSubmission is one synthesis request. The idempotency key makes
// resubmission after a crash return the original job.
type TTSSubmission struct {
	Text           string         `json:"text"`
	VoiceCfg       models.JSONMap `json:"voice_cfg"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// TTSResult is the outcome of a finished synthesis job.
type TTSResult struct {
	AudioURL        string
	AudioArtifactID string
	StoragePath     string
	DurationSec     float64
}

type ttsSubmitResponse struct {
	JobID string `json:"tts_job_id"`
}

type ttsStatusResponse struct {
	Status          string     `json:"status"`
	AudioURL        string     `json:"audio_url"`
	AudioArtifactID string     `json:"audio_artifact_id"`
	StoragePath     string     `json:"audio_storage_path"`
	DurationSec     float64    `json:"duration_sec"`
	Error           *errorBody `json:"error,omitempty"`
}

// TTSClient talks to the speech synthesis service.
type TTSClient struct {
	caller     *caller
	pollBudget time.Duration
	backoff    Backoff
	logger     *slog.Logger
}

// NewTTSClient creates a TTS client from configuration.
func NewTTSClient(cfg config.UpstreamConfig, logger *slog.Logger) *TTSClient {
	logger = observability.WithComponent(logger, "tts-client")
	return &TTSClient{
		caller:     newCaller("tts", cfg, logger),
		pollBudget: cfg.PollBudget,
		backoff:    PollBackoff(),
		logger:     logger,
	}
}

// Submit starts a synthesis job and returns its upstream id.
func (c *TTSClient) Submit(ctx context.Context, token string, sub TTSSubmission) (string, error) {
	var resp ttsSubmitResponse
	if err := c.caller.postJSON(ctx, "/tts", token, sub, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", models.NewError(models.KindTransient, "tts accepted submission without a job id")
	}
	return resp.JobID, nil
}

// Poll fetches the job's status once. It returns (nil, nil) while the
// job is still in flight.
func (c *TTSClient) Poll(ctx context.Context, token, jobID string) (*TTSResult, error) {
	var resp ttsStatusResponse
	if err := c.caller.getJSON(ctx, "/tts/"+jobID, token, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case TTSStatusSucceeded:
		if resp.AudioURL == "" && resp.StoragePath == "" {
			return nil, models.NewError(models.KindTransient, "tts succeeded without an audio reference")
		}
		return &TTSResult{
			AudioURL:        resp.AudioURL,
			AudioArtifactID: resp.AudioArtifactID,
			StoragePath:     resp.StoragePath,
			DurationSec:     resp.DurationSec,
		}, nil
	case TTSStatusFailed:
		return nil, c.failure(resp.Error)
	case TTSStatusQueued, TTSStatusRunning:
		return nil, nil
	default:
		return nil, models.NewErrorf(models.KindTransient, "tts reported unknown status %q", resp.Status)
	}
}

// AwaitResult polls with backoff until the job finishes or the poll
// budget runs out. Budget exhaustion is transient so the stage can be
// retried or resumed.
func (c *TTSClient) AwaitResult(ctx context.Context, token, jobID string) (*TTSResult, error) {
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
			c.logger.Warn("tts poll budget exhausted",
				slog.String("tts_job_id", jobID),
				slog.Duration("budget", c.pollBudget),
			)
			return nil, models.NewErrorf(models.KindTransient,
				"tts job %s still running after %s", jobID, c.pollBudget)
		}
		if err := c.backoff.Sleep(ctx, attempt); err != nil {
			return nil, models.WrapError(models.KindTransient, "tts poll interrupted", err)
		}
	}
}

// failure converts a reported upstream failure into a categorized error.
func (c *TTSClient) failure(e *errorBody) error {
	if e == nil {
		return models.NewError(models.KindUpstreamFatal, "tts job failed")
	}
	kind := models.KindUpstreamFatal
	if _, ok := policyCodes[e.code()]; ok {
		kind = models.KindPolicy
	}
	msg := "tts job failed"
	if code := e.code(); code != "" {
		msg += " (" + code + ")"
	}
	if m := e.message(); m != "" {
		msg += ": " + m
	}
	return models.NewError(kind, msg)
}
