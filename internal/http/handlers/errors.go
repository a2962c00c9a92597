package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mediaforge/longform/internal/models"
)

// apiError maps a categorized domain error onto the wire status. The
// caller-safe message travels; wrapped causes stay server-side.
func apiError(err error) error {
	var de *models.DomainError
	if !errors.As(err, &de) {
		return huma.Error500InternalServerError("internal error")
	}

	switch de.Kind {
	case models.KindValidation:
		return huma.Error422UnprocessableEntity(de.Message)
	case models.KindAuth:
		return huma.Error401Unauthorized(de.Message)
	case models.KindForbidden:
		return huma.Error403Forbidden(de.Message)
	case models.KindNotFound:
		return huma.Error404NotFound(de.Message)
	case models.KindConflict, models.KindStale:
		return huma.Error409Conflict(de.Message)
	default:
		return huma.Error500InternalServerError(de.Message)
	}
}
