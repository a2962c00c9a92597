package upstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
)

func testUpstreamConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		PollBudget:  200 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func fastBackoff() Backoff {
	return Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func newTestTTSClient(t *testing.T, baseURL string) *TTSClient {
	t.Helper()
	c := NewTTSClient(testUpstreamConfig(baseURL), slog.Default())
	c.backoff = fastBackoff()
	return c
}

func newTestFusionClient(t *testing.T, baseURL string) *FusionClient {
	t.Helper()
	c := NewFusionClient(testUpstreamConfig(baseURL), slog.Default())
	c.backoff = fastBackoff()
	return c
}

func TestTTSClient_Submit(t *testing.T) {
	var gotAuth string
	var gotBody TTSSubmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"tts_job_id": "tts-42"})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	jobID, err := client.Submit(context.Background(), "secret-token", TTSSubmission{
		Text:           "Hello world.",
		VoiceCfg:       models.JSONMap{"locale": "en-US"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "tts-42", jobID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "idem-1", gotBody.IdempotencyKey)
	assert.Equal(t, "Hello world.", gotBody.Text)
}

func TestTTSClient_Submit_MissingJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	_, err := client.Submit(context.Background(), "tok", TTSSubmission{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
}

func TestTTSClient_AwaitResult(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tts/tts-42", r.URL.Path)
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]string{"status": "running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":             "succeeded",
			"audio_url":          "https://blob.test/audio.wav",
			"audio_artifact_id":  "art-1",
			"audio_storage_path": "tts/audio.wav",
			"duration_sec":       9.5,
		})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	result, err := client.AwaitResult(context.Background(), "tok", "tts-42")
	require.NoError(t, err)

	assert.EqualValues(t, 3, polls.Load())
	assert.Equal(t, "https://blob.test/audio.wav", result.AudioURL)
	assert.Equal(t, "art-1", result.AudioArtifactID)
	assert.Equal(t, "tts/audio.wav", result.StoragePath)
	assert.InDelta(t, 9.5, result.DurationSec, 0.01)
}

func TestTTSClient_AwaitResult_PollBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	client.pollBudget = 10 * time.Millisecond

	_, err := client.AwaitResult(context.Background(), "tok", "tts-42")
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
	assert.True(t, models.Retryable(err))
}

func TestTTSClient_Poll_Failed(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantKind models.ErrorKind
	}{
		{"policy refusal", "consent_required", models.KindPolicy},
		{"content blocked", "content_blocked", models.KindPolicy},
		{"synthesis error", "synthesis_error", models.KindUpstreamFatal},
		{"no code", "", models.KindUpstreamFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"status": "failed",
					"error":  map[string]string{"code": tt.code, "message": "nope"},
				})
			}))
			defer srv.Close()

			client := newTestTTSClient(t, srv.URL)
			_, err := client.Poll(context.Background(), "tok", "tts-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, models.KindOf(err))
		})
	}
}

func TestTTSClient_Poll_StillRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	result, err := client.Poll(context.Background(), "tok", "tts-1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFusionClient_Submit(t *testing.T) {
	var gotBody FusionSubmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{
			"fusion_job_id":   "fus-7",
			"provider_job_id": "prov-9",
		})
	}))
	defer srv.Close()

	client := newTestFusionClient(t, srv.URL)
	accepted, err := client.Submit(context.Background(), "tok", FusionSubmission{
		FaceArtifactID:   "face-1",
		AudioStoragePath: "tts/audio.wav",
		AspectRatio:      "9:16",
		IdempotencyKey:   "idem-2",
		Consent:          true,
	})
	require.NoError(t, err)

	assert.Equal(t, "fus-7", accepted.JobID)
	assert.Equal(t, "prov-9", accepted.ProviderJobID)
	assert.True(t, gotBody.Consent)
	assert.Equal(t, "idem-2", gotBody.IdempotencyKey)
}

func TestFusionClient_Submit_LocalValidation(t *testing.T) {
	client := newTestFusionClient(t, "http://127.0.0.1:0")

	_, err := client.Submit(context.Background(), "tok", FusionSubmission{
		FaceArtifactID:   "face-1",
		AudioStoragePath: "tts/audio.wav",
		Consent:          false,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindPolicy, models.KindOf(err))

	_, err = client.Submit(context.Background(), "tok", FusionSubmission{
		FaceArtifactID: "face-1",
		Consent:        true,
	})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestFusionClient_AwaitResult(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			json.NewEncoder(w).Encode(map[string]string{"status": "running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "succeeded",
			"video_url":    "https://blob.test/seg.mp4",
			"duration_sec": 10.2,
		})
	}))
	defer srv.Close()

	client := newTestFusionClient(t, srv.URL)
	result, err := client.AwaitResult(context.Background(), "tok", "fus-7")
	require.NoError(t, err)
	assert.Equal(t, "https://blob.test/seg.mp4", result.VideoURL)
}

func TestCaller_UpstreamFatalOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "invalid_aspect_ratio",
			"message": "unsupported aspect ratio",
		})
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	_, err := client.Submit(context.Background(), "tok", TTSSubmission{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, models.KindUpstreamFatal, models.KindOf(err))
	assert.Contains(t, err.Error(), "invalid_aspect_ratio")
	// The error must not leak the request URL or the bearer token.
	assert.NotContains(t, err.Error(), srv.URL)
	assert.NotContains(t, err.Error(), "tok")
}

func TestCaller_TransientOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestTTSClient(t, srv.URL)
	_, err := client.Submit(context.Background(), "tok", TTSSubmission{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))
}

func TestCaller_ApplyRetryAfter(t *testing.T) {
	c := newCaller("tts", testUpstreamConfig("http://example.invalid"), slog.Default())

	c.applyRetryAfter("2")
	assert.WithinDuration(t, time.Now().Add(2*time.Second), c.cooldownUntil, 200*time.Millisecond)

	// A shorter cooldown never shrinks the active one.
	before := c.cooldownUntil
	c.applyRetryAfter("1")
	assert.Equal(t, before, c.cooldownUntil)

	// Garbage is ignored.
	c.applyRetryAfter("soon")
	assert.Equal(t, before, c.cooldownUntil)
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   models.ErrorKind
	}{
		{http.StatusTooManyRequests, "", models.KindTransient},
		{http.StatusBadGateway, "", models.KindTransient},
		{http.StatusInternalServerError, "", models.KindTransient},
		{http.StatusBadRequest, "", models.KindUpstreamFatal},
		{http.StatusUnprocessableEntity, "", models.KindUpstreamFatal},
		{http.StatusForbidden, "consent_required", models.KindPolicy},
		{http.StatusBadRequest, "face_rejected", models.KindPolicy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeStatus(tt.status, tt.code),
			"status %d code %q", tt.status, tt.code)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := RetryBackoff()

	// Attempt 1 is 2s ±20%.
	d := b.Delay(1)
	assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
	assert.LessOrEqual(t, d, 2400*time.Millisecond)

	// Attempt 3 is 8s ±20%.
	d = b.Delay(3)
	assert.GreaterOrEqual(t, d, 6400*time.Millisecond)
	assert.LessOrEqual(t, d, 9600*time.Millisecond)

	// Large attempts are capped at 60s ±20%.
	d = b.Delay(20)
	assert.GreaterOrEqual(t, d, 48*time.Second)
	assert.LessOrEqual(t, d, 72*time.Second)
}

func TestBackoff_SleepCancelled(t *testing.T) {
	b := Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Sleep(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
