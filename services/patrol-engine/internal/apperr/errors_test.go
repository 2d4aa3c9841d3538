package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("Validation Matches Kind", func(t *testing.T) {
		err := Validation("submit scan", "patrol_id is required", "method is invalid")
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, "submit scan: validation error: patrol_id is required; method is invalid", err.Error())
		assert.Equal(t, []string{"patrol_id is required", "method is invalid"}, Reasons(err))
	})

	t.Run("Wrapped Kind Still Matches", func(t *testing.T) {
		err := fmt.Errorf("engine: %w", NotFound("get policy", "checkpoint", "cp-1"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, []string{"checkpoint cp-1"}, Reasons(err))
	})

	t.Run("Cascade Unwraps Cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Cascade("apply scan", cause)
		assert.ErrorIs(t, err, ErrCascadeFailure)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Plain Error Reasons", func(t *testing.T) {
		assert.Equal(t, []string{"boom"}, Reasons(errors.New("boom")))
		assert.Nil(t, Reasons(nil))
	})
}
