package models

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the lifecycle state of a longform job.
type JobStatus string

const (
	// JobStatusQueued means the job has been created and no segment has
	// started yet.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning means at least one segment is in flight.
	JobStatusRunning JobStatus = "running"
	// JobStatusStitching means every segment succeeded and the final
	// concat is in progress.
	JobStatusStitching JobStatus = "stitching"
	// JobStatusSucceeded means the final video has been uploaded.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed means a segment or the stitch failed terminally.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal returns true if the status is terminal. A job never
// regresses out of a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransitionTo reports whether the forward transition s -> next is
// legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusStitching || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusStitching || next == JobStatusFailed
	case JobStatusStitching:
		return next == JobStatusSucceeded || next == JobStatusFailed
	}
	return false
}

// AspectRatio is the output frame shape requested for a job.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
	AspectSquare    AspectRatio = "1:1"
)

// Valid reports whether the aspect ratio is one of the supported values.
func (a AspectRatio) Valid() bool {
	switch a {
	case AspectLandscape, AspectPortrait, AspectSquare:
		return true
	}
	return false
}

// VoiceGenderMode selects how the TTS voice gender is chosen.
type VoiceGenderMode string

const (
	VoiceGenderAuto   VoiceGenderMode = "auto"
	VoiceGenderManual VoiceGenderMode = "manual"
)

// Segment length bounds accepted on job creation, in seconds.
const (
	MinSegmentSeconds = 5
	MaxSegmentSeconds = 120
)

// LongformJob is the parent record of a script-to-video composition.
// Segments reference it by JobID only; the controller walks by id.
type LongformJob struct {
	BaseModel
	UserID            string          `gorm:"index;not null" json:"user_id"`
	Status            JobStatus       `gorm:"index;not null;default:'queued'" json:"status"`
	FaceArtifactID    uuid.UUID       `gorm:"type:varchar(36);not null" json:"face_artifact_id"`
	AspectRatio       AspectRatio     `gorm:"not null" json:"aspect_ratio"`
	SegmentSeconds    int             `gorm:"not null" json:"segment_seconds"`
	MaxSegSeconds     int             `gorm:"column:max_segment_seconds;not null" json:"max_segment_seconds"`
	VoiceCfg          JSONMap         `gorm:"type:text" json:"voice_cfg"`
	VoiceGenderMode   VoiceGenderMode `gorm:"not null;default:'auto'" json:"voice_gender_mode"`
	VoiceGender       string          `json:"voice_gender,omitempty"`
	ScriptText        string          `gorm:"type:text;not null" json:"-"`
	TotalSegments     int             `gorm:"not null;default:0" json:"total_segments"`
	CompletedSegments int             `gorm:"not null;default:0" json:"completed_segments"`
	FinalStoragePath  string          `json:"final_storage_path,omitempty"`
	Tags              JSONMap         `gorm:"type:text" json:"tags,omitempty"`
	// AuthToken is the service-scoped bearer workers present to
	// collaborator services on behalf of this job. Never the end-user's
	// session token; never serialized.
	AuthToken    string `json:"-"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Segments []LongformSegment `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for LongformJob.
func (LongformJob) TableName() string {
	return "longform_jobs"
}

// BeforeCreate validates the job before insertion.
func (j *LongformJob) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return j.Validate()
}

// Validate checks the job invariants.
func (j *LongformJob) Validate() error {
	if j.UserID == "" {
		return NewValidationError("user_id", "is required")
	}
	if j.FaceArtifactID == uuid.Nil {
		return NewValidationError("face_artifact_id", "is required")
	}
	if !j.AspectRatio.Valid() {
		return NewValidationError("aspect_ratio", "must be one of 16:9, 9:16, 1:1")
	}
	if j.SegmentSeconds < MinSegmentSeconds || j.SegmentSeconds > MaxSegmentSeconds {
		return NewValidationError("segment_seconds", "must be between 5 and 120")
	}
	if j.MaxSegSeconds < j.SegmentSeconds || j.MaxSegSeconds > MaxSegmentSeconds {
		return NewValidationError("max_segment_seconds", "must be between segment_seconds and 120")
	}
	switch j.VoiceGenderMode {
	case VoiceGenderAuto:
	case VoiceGenderManual:
		if j.VoiceGender != "male" && j.VoiceGender != "female" {
			return NewValidationError("voice_gender", "is required when voice_gender_mode is manual")
		}
	default:
		return NewValidationError("voice_gender_mode", "must be auto or manual")
	}
	if strings.TrimSpace(j.ScriptText) == "" {
		return NewValidationError("script_text", "must be non-empty")
	}
	if j.CompletedSegments < 0 || j.TotalSegments < 0 || j.CompletedSegments > j.TotalSegments {
		return NewValidationError("completed_segments", "must not exceed total_segments")
	}
	return nil
}

// FinalPath returns the deterministic blob-store path for the stitched
// output.
func (j *LongformJob) FinalPath() string {
	return "longform/" + j.ID.String() + "/final.mp4"
}

// MarkFailed records a terminal failure. No-op when already terminal.
func (j *LongformJob) MarkFailed(code, message string) {
	if j.Status.IsTerminal() {
		return
	}
	j.Status = JobStatusFailed
	j.ErrorCode = code
	j.ErrorMessage = message
}
