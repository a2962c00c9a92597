// Package models defines GORM database models for longform entities.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}

// ParseID parses a UUID string.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// BaseModel provides common fields for all models with UUID as primary key.
type BaseModel struct {
	ID        uuid.UUID `gorm:"primarykey;type:varchar(36)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID if not already set.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = NewID()
	}
	return nil
}

// Pipeline stages for idempotency key derivation.
const (
	StageAudio = "audio"
	StageVideo = "video"
)

// IdempotencyKey derives the deterministic upstream deduplication token
// for one stage of one segment. The same (job, index, stage) triple
// always yields the same key, so a re-submission after a crash or lock
// reclaim maps to the same upstream job.
func IdempotencyKey(jobID uuid.UUID, segmentIndex int, stage string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", jobID, segmentIndex, stage))
	return hex.EncodeToString(sum[:])
}
