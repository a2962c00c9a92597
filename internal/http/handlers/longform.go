package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mediaforge/longform/internal/auth"
	"github.com/mediaforge/longform/internal/blobstore"
	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
	"github.com/mediaforge/longform/internal/repository"
	"github.com/mediaforge/longform/internal/segmenter"
)

// LongformHandler serves the job API.
type LongformHandler struct {
	jobs     repository.JobRepository
	segments repository.SegmentRepository
	store    blobstore.Store
	segCfg   config.SegmenterConfig
	logger   *slog.Logger
}

// NewLongformHandler creates a new longform job handler.
func NewLongformHandler(
	jobs repository.JobRepository,
	segments repository.SegmentRepository,
	store blobstore.Store,
	segCfg config.SegmenterConfig,
	logger *slog.Logger,
) *LongformHandler {
	return &LongformHandler{
		jobs:     jobs,
		segments: segments,
		store:    store,
		segCfg:   segCfg,
		logger:   observability.WithComponent(logger, "longform-api"),
	}
}

// Register registers the longform job routes with the API.
func (h *LongformHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createLongformJob",
		Method:        http.MethodPost,
		Path:          "/api/longform/jobs",
		Summary:       "Create job",
		Description:   "Segments the script and queues a composition job",
		Tags:          []string{"Longform"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getLongformJob",
		Method:      http.MethodGet,
		Path:        "/api/longform/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns the job header with progress counters",
		Tags:        []string{"Longform"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "listLongformJobSegments",
		Method:      http.MethodGet,
		Path:        "/api/longform/jobs/{id}/segments",
		Summary:     "List job segments",
		Description: "Returns the job's segments in index order",
		Tags:        []string{"Longform"},
	}, h.ListSegments)

	huma.Register(api, huma.Operation{
		OperationID: "listLongformJobs",
		Method:      http.MethodGet,
		Path:        "/api/longform/jobs",
		Summary:     "List jobs",
		Description: "Returns the caller's jobs, newest first",
		Tags:        []string{"Longform"},
	}, h.List)
}

// CreateJobRequest is the job creation payload.
type CreateJobRequest struct {
	ScriptText     string `json:"script_text" doc:"Narration script" minLength:"1"`
	FaceArtifactID string `json:"face_artifact_id" doc:"Face image artifact to animate" format:"uuid"`
	AspectRatio    string `json:"aspect_ratio" doc:"Output frame shape" enum:"16:9,9:16,1:1"`

	SegmentSeconds    int `json:"segment_seconds,omitempty" doc:"Target estimated seconds per segment" minimum:"0" maximum:"120"`
	MaxSegmentSeconds int `json:"max_segment_seconds,omitempty" doc:"Hard cap on estimated seconds per segment" minimum:"0" maximum:"120"`

	VoiceCfg        models.JSONMap `json:"voice_cfg,omitempty" doc:"Voice configuration forwarded to TTS (locale, voice id, speed)"`
	VoiceGenderMode string         `json:"voice_gender_mode,omitempty" doc:"auto or manual" enum:"auto,manual"`
	VoiceGender     string         `json:"voice_gender,omitempty" doc:"Required when voice_gender_mode is manual" enum:"male,female"`

	Tags models.JSONMap `json:"tags,omitempty" doc:"Opaque caller metadata"`

	// AuthToken is the bearer this job presents to the TTS and fusion
	// services. When omitted the caller's own bearer is used. It is
	// stored with the job and never returned by any read endpoint.
	AuthToken string `json:"auth_token,omitempty" doc:"Bearer for upstream calls; defaults to the caller's bearer" minLength:"1"`
}

// CreateJobInput is the input for creating a job.
type CreateJobInput struct {
	Body CreateJobRequest
}

// CreateJobOutput is the output for creating a job.
type CreateJobOutput struct {
	Body struct {
		JobID string `json:"job_id" doc:"ID of the created job"`
	}
}

// Create validates the payload, segments the script, and persists the
// job with its segments.
func (h *LongformHandler) Create(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("missing principal")
	}

	req := input.Body

	faceID, err := models.ParseID(req.FaceArtifactID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("face_artifact_id: must be a UUID")
	}

	segmentSeconds := req.SegmentSeconds
	if segmentSeconds == 0 {
		segmentSeconds = h.segCfg.DefaultSegmentSeconds
	}
	maxSegmentSeconds := req.MaxSegmentSeconds
	if maxSegmentSeconds == 0 {
		maxSegmentSeconds = h.segCfg.DefaultMaxSegmentSeconds
	}
	if maxSegmentSeconds < segmentSeconds {
		maxSegmentSeconds = segmentSeconds
	}
	genderMode := models.VoiceGenderMode(req.VoiceGenderMode)
	if genderMode == "" {
		genderMode = models.VoiceGenderAuto
	}
	authToken := req.AuthToken
	if authToken == "" {
		authToken = principal.Token
	}

	job := &models.LongformJob{
		BaseModel:       models.BaseModel{ID: models.NewID()},
		UserID:          principal.UserID,
		Status:          models.JobStatusQueued,
		FaceArtifactID:  faceID,
		AspectRatio:     models.AspectRatio(req.AspectRatio),
		SegmentSeconds:  segmentSeconds,
		MaxSegSeconds:   maxSegmentSeconds,
		VoiceCfg:        req.VoiceCfg,
		VoiceGenderMode: genderMode,
		VoiceGender:     req.VoiceGender,
		ScriptText:      req.ScriptText,
		Tags:            req.Tags,
		AuthToken:       authToken,
	}
	if err := job.Validate(); err != nil {
		return nil, apiError(err)
	}

	locale := ""
	if v, ok := req.VoiceCfg["locale"].(string); ok {
		locale = v
	}
	chunks, err := segmenter.Split(req.ScriptText, segmenter.Config{
		SegmentSeconds:    segmentSeconds,
		MaxSegmentSeconds: maxSegmentSeconds,
		Locale:            locale,
	})
	if err != nil {
		return nil, apiError(err)
	}

	segments := make([]*models.LongformSegment, 0, len(chunks))
	for i, chunk := range chunks {
		segments = append(segments, &models.LongformSegment{
			JobID:        job.ID,
			SegmentIndex: i,
			Status:       models.SegmentStatusQueued,
			TextChunk:    chunk.Text,
			DurationSec:  chunk.DurationSec,
			AudioIdemKey: models.IdempotencyKey(job.ID, i, models.StageAudio),
			VideoIdemKey: models.IdempotencyKey(job.ID, i, models.StageVideo),
		})
	}
	job.TotalSegments = len(segments)

	if err := h.jobs.Create(ctx, job, segments); err != nil {
		return nil, apiError(err)
	}

	h.logger.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.Int("segments", len(segments)),
		slog.String("principal", principal.Kind.String()))

	resp := &CreateJobOutput{}
	resp.Body.JobID = job.ID.String()
	return resp, nil
}

// JobResponse is the job header returned by read endpoints.
type JobResponse struct {
	ID                string         `json:"job_id"`
	Status            string         `json:"status"`
	AspectRatio       string         `json:"aspect_ratio"`
	TotalSegments     int            `json:"total_segments"`
	CompletedSegments int            `json:"completed_segments"`
	FinalVideoURL     string         `json:"final_video_url,omitempty" doc:"Signed download URL, present once succeeded"`
	Tags              models.JSONMap `json:"tags,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// jobResponse builds the wire form of a job, minting a fresh signed URL
// for the final video when one exists.
func (h *LongformHandler) jobResponse(job *models.LongformJob) JobResponse {
	resp := JobResponse{
		ID:                job.ID.String(),
		Status:            string(job.Status),
		AspectRatio:       string(job.AspectRatio),
		TotalSegments:     job.TotalSegments,
		CompletedSegments: job.CompletedSegments,
		Tags:              job.Tags,
		ErrorCode:         job.ErrorCode,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.Status == models.JobStatusSucceeded && job.FinalStoragePath != "" {
		if url, err := h.store.SignedURL(job.FinalStoragePath); err == nil {
			resp.FinalVideoURL = url
		}
	}
	return resp
}

// loadOwnedJob fetches the job and enforces ownership.
func (h *LongformHandler) loadOwnedJob(ctx context.Context, rawID string) (*models.LongformJob, error) {
	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, models.NewError(models.KindAuth, "missing principal")
	}
	id, err := models.ParseID(rawID)
	if err != nil {
		return nil, models.NewError(models.KindValidation, "id: must be a UUID")
	}
	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(job.UserID) {
		return nil, models.NewError(models.KindForbidden, "job belongs to another user")
	}
	return job, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (UUID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body JobResponse
}

// GetByID returns a job header.
func (h *LongformHandler) GetByID(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	job, err := h.loadOwnedJob(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &GetJobOutput{Body: h.jobResponse(job)}, nil
}

// SegmentResponse is one segment summary.
type SegmentResponse struct {
	SegmentIndex    int    `json:"segment_index"`
	Status          string `json:"status"`
	DurationSec     int    `json:"duration_sec"`
	ActualDuration  int    `json:"actual_duration_sec,omitempty"`
	Attempts        int    `json:"attempts"`
	SegmentVideoURL string `json:"segment_video_url,omitempty" doc:"Signed download URL, present once succeeded"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// ListSegmentsInput is the input for listing a job's segments.
type ListSegmentsInput struct {
	ID string `path:"id" doc:"Job ID (UUID)"`
}

// ListSegmentsOutput is the output for listing a job's segments.
type ListSegmentsOutput struct {
	Body struct {
		Segments []SegmentResponse `json:"segments"`
	}
}

// ListSegments returns a job's segments in index order.
func (h *LongformHandler) ListSegments(ctx context.Context, input *ListSegmentsInput) (*ListSegmentsOutput, error) {
	job, err := h.loadOwnedJob(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}

	segments, err := h.segments.ListSegmentsOrdered(ctx, job.ID)
	if err != nil {
		return nil, apiError(err)
	}

	resp := &ListSegmentsOutput{}
	resp.Body.Segments = make([]SegmentResponse, 0, len(segments))
	for _, seg := range segments {
		sr := SegmentResponse{
			SegmentIndex:   seg.SegmentIndex,
			Status:         string(seg.Status),
			DurationSec:    seg.DurationSec,
			ActualDuration: seg.ActualDurationSec,
			Attempts:       seg.Attempts,
			ErrorCode:      seg.ErrorCode,
			ErrorMessage:   seg.ErrorMessage,
		}
		if seg.Status == models.SegmentStatusSucceeded && seg.SegmentStoragePath != "" {
			if url, err := h.store.SignedURL(seg.SegmentStoragePath); err == nil {
				sr.SegmentVideoURL = url
			}
		}
		resp.Body.Segments = append(resp.Body.Segments, sr)
	}
	return resp, nil
}

// ListJobsInput is the input for listing the caller's jobs.
type ListJobsInput struct {
	Offset int `query:"offset" doc:"Rows to skip" minimum:"0" default:"0"`
	Limit  int `query:"limit" doc:"Page size" minimum:"1" maximum:"100" default:"20"`
}

// ListJobsOutput is the output for listing the caller's jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs  []JobResponse `json:"jobs"`
		Total int64         `json:"total"`
	}
}

// List returns the caller's jobs, newest first.
func (h *LongformHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	principal, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("missing principal")
	}

	limit := input.Limit
	if limit == 0 {
		limit = 20
	}

	jobs, total, err := h.jobs.ListByUser(ctx, principal.UserID, input.Offset, limit)
	if err != nil {
		return nil, apiError(err)
	}

	resp := &ListJobsOutput{}
	resp.Body.Total = total
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, h.jobResponse(job))
	}
	return resp, nil
}
