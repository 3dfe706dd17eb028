package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekho-app/ekho/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"validation", errors.Wrap(ErrValidation, "no reference artifacts"), ErrorCodeValidation, false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "poll"), ErrorCodeTimeout, true},
		{"auth", errors.New("API request failed with status 403: PERMISSION_DENIED"), ErrorCodeAuth, false},
		{"quota", errors.New("API request failed with status 429: RESOURCE_EXHAUSTED"), ErrorCodeQuota, true},
		{"network", errors.New("dial tcp: connection refused"), ErrorCodeNetwork, true},
		{"server", errors.New("API request failed with status 503: unavailable"), ErrorCodeRemote, true},
		{"client", errors.New("API request failed with status 400: bad prompt"), ErrorCodeRemote, false},
		{"other", errors.New("weird"), ErrorCodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ClassifyError("submit", tt.err)
			assert.Equal(t, "submit", ec.Stage)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
		})
	}
}

func TestClassifyErrorJobPolicyWins(t *testing.T) {
	submit := errors.Mark(errors.New("API request failed with status 503: unavailable"), ErrPermanentSubmission)
	assert.False(t, ClassifyError("submit", submit).Retryable)

	poll := errors.Mark(errors.New("API request failed with status 400: bad"), ErrTransientPoll)
	assert.True(t, ClassifyError("poll", poll).Retryable)
}

func TestClassifyNil(t *testing.T) {
	ec := ClassifyError("poll", nil)
	assert.Equal(t, ErrorCodeUnknown, ec.Code)
}
