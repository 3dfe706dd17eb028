package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsSentinel(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "job veo_abc")

	assert.Contains(t, wrapped.Error(), "job veo_abc")
	assert.True(t, Is(wrapped, ErrNotFound))
	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsInvalidRequestError(wrapped))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "job abc")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("prompt must be at least %d characters", 10)
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "10 characters")
}

func TestIsHelpersNil(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
	assert.False(t, IsServiceUnavailableError(nil))
}

func TestPlainStringIsNotNotFound(t *testing.T) {
	// only wrapped sentinels count
	assert.False(t, IsNotFoundError(fmt.Errorf("profile not found")))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := WithDetail(New("submit failed"), "job_id: veo_u1_ab12")
	err = Wrap(err, "create job")

	details := GetAllDetails(err)
	assert.Contains(t, details, "job_id: veo_u1_ab12")
}

func TestHints(t *testing.T) {
	err := WithHint(ErrServiceUnavailable, "set storage.bucket")
	assert.True(t, IsServiceUnavailableError(err))
	assert.Contains(t, FlattenHints(err), "set storage.bucket")
}
