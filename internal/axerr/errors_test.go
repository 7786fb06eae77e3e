package axerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_Kind(t *testing.T) {
	assert.Equal(t, KindValidation, Validation("BAD", "bad input").Kind)
	assert.Equal(t, KindAuth, Auth("NOAUTH", "no auth").Kind)
	assert.Equal(t, KindForbidden, Forbidden("FORBIDDEN", "nope").Kind)
	assert.Equal(t, KindRateLimit, RateLimited("RL", "slow down").Kind)
	assert.Equal(t, KindConflict, Conflict("CONFLICT", "conflict").Kind)
	assert.Equal(t, KindNotFound, NotFound("NF", "missing").Kind)
	assert.Equal(t, KindTransient, Transient("T", "retry", nil).Kind)
	assert.Equal(t, KindFatal, Fatal("F", "boom", nil).Kind)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "VALIDATION", KindValidation.String())
	assert.Equal(t, "RATE_LIMITED", KindRateLimit.String())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Transient("T1", "retry later", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_Error_WithAndWithoutCause(t *testing.T) {
	withoutCause := Validation("BAD", "bad field")
	assert.Equal(t, "VALIDATION: bad field", withoutCause.Error())

	cause := errors.New("db down")
	withCause := Fatal("DB", "could not save", cause)
	assert.Equal(t, fmt.Sprintf("FATAL: could not save: %v", cause), withCause.Error())
}

func TestIs(t *testing.T) {
	err := Forbidden("ACCESS", "denied")
	assert.True(t, Is(err, KindForbidden))
	assert.False(t, Is(err, KindAuth))

	wrapped := fmt.Errorf("wrapping: %w", err)
	assert.True(t, Is(wrapped, KindForbidden))

	assert.False(t, Is(errors.New("plain"), KindFatal))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(Conflict("C", "dup")))
	assert.Equal(t, KindFatal, KindOf(errors.New("unclassified")))
}
