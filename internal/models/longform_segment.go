package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SegmentStatus represents the two-stage pipeline state of a segment.
type SegmentStatus string

const (
	// SegmentStatusQueued means the segment is waiting to be claimed.
	SegmentStatusQueued SegmentStatus = "queued"
	// SegmentStatusAudioRunning means the TTS stage is in flight.
	SegmentStatusAudioRunning SegmentStatus = "audio_running"
	// SegmentStatusVideoRunning means the fusion stage is in flight.
	SegmentStatusVideoRunning SegmentStatus = "video_running"
	// SegmentStatusSucceeded means both stages completed.
	SegmentStatusSucceeded SegmentStatus = "succeeded"
	// SegmentStatusFailed means a stage failed terminally.
	SegmentStatusFailed SegmentStatus = "failed"
)

// IsTerminal returns true if the status is terminal.
func (s SegmentStatus) IsTerminal() bool {
	return s == SegmentStatusSucceeded || s == SegmentStatusFailed
}

// IsRunning returns true if the segment is in an in-flight stage.
func (s SegmentStatus) IsRunning() bool {
	return s == SegmentStatusAudioRunning || s == SegmentStatusVideoRunning
}

// CanTransitionTo reports whether the forward transition s -> next is
// legal. Any non-terminal state may move to failed.
func (s SegmentStatus) CanTransitionTo(next SegmentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == SegmentStatusFailed {
		return true
	}
	switch s {
	case SegmentStatusQueued:
		return next == SegmentStatusAudioRunning
	case SegmentStatusAudioRunning:
		return next == SegmentStatusVideoRunning
	case SegmentStatusVideoRunning:
		return next == SegmentStatusSucceeded
	}
	return false
}

// LongformSegment is one bounded-duration slice of a job's script, the
// unit of work for the audio and video stages.
type LongformSegment struct {
	BaseModel
	JobID        uuid.UUID     `gorm:"type:varchar(36);not null;uniqueIndex:idx_segment_job_index,priority:1;index" json:"job_id"`
	SegmentIndex int           `gorm:"not null;uniqueIndex:idx_segment_job_index,priority:2" json:"segment_index"`
	Status       SegmentStatus `gorm:"index;not null;default:'queued'" json:"status"`
	TextChunk    string        `gorm:"type:text;not null" json:"text_chunk"`
	// DurationSec is the planning estimate from segmentation.
	DurationSec int `gorm:"not null" json:"duration_sec"`
	// ActualDurationSec is the TTS-reported spoken duration, when known.
	ActualDurationSec int `json:"actual_duration_sec,omitempty"`

	// Audio stage outputs.
	TTSJobID         string `gorm:"column:tts_job_id" json:"tts_job_id,omitempty"`
	AudioURL         string `json:"audio_url,omitempty"`
	AudioArtifactID  string `json:"audio_artifact_id,omitempty"`
	AudioStoragePath string `json:"audio_storage_path,omitempty"`
	AudioIdemKey     string `gorm:"column:audio_idem_key" json:"-"`

	// Video stage outputs.
	FusionJobID        string `json:"fusion_job_id,omitempty"`
	ProviderJobID      string `json:"provider_job_id,omitempty"`
	VideoIdemKey       string `gorm:"column:video_idem_key" json:"-"`
	SegmentVideoURL    string `json:"segment_video_url,omitempty"`
	SegmentStoragePath string `json:"segment_storage_path,omitempty"`

	// Claim fields for multi-worker mutual exclusion.
	LockedBy string     `gorm:"index" json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	Attempts     int    `gorm:"not null;default:0" json:"attempts"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TableName returns the table name for LongformSegment.
func (LongformSegment) TableName() string {
	return "longform_segments"
}

// BeforeCreate validates the segment before insertion.
func (s *LongformSegment) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

// Validate checks the segment invariants.
func (s *LongformSegment) Validate() error {
	if s.JobID == uuid.Nil {
		return NewValidationError("job_id", "is required")
	}
	if s.SegmentIndex < 0 {
		return NewValidationError("segment_index", "must be non-negative")
	}
	if strings.TrimSpace(s.TextChunk) == "" {
		return NewValidationError("text_chunk", "must be non-empty")
	}
	if s.DurationSec < 1 {
		return NewValidationError("duration_sec", "must be at least 1")
	}
	return nil
}

// LockExpired reports whether the claim on this segment is stale at the
// given time. A segment without a lock is not expired, only unclaimed.
func (s *LongformSegment) LockExpired(now time.Time, ttl time.Duration) bool {
	return s.LockedAt != nil && s.LockedAt.Add(ttl).Before(now)
}

// StoragePath returns the deterministic blob-store path for this
// segment's video.
func (s *LongformSegment) StoragePath() string {
	return fmt.Sprintf("longform/%s/seg-%d.mp4", s.JobID, s.SegmentIndex)
}

// MarkFailed records a terminal stage failure and releases the lock.
func (s *LongformSegment) MarkFailed(code, message string) {
	s.Status = SegmentStatusFailed
	s.ErrorCode = code
	s.ErrorMessage = message
	s.LockedBy = ""
	s.LockedAt = nil
}
