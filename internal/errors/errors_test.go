package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New(KindConnectivity, "health_poll", "backend", stderrors.New("connection refused"))
	assert.Equal(t, "health_poll failed on backend: connection refused", err.Error())

	err = New(KindInternal, "startup", "", stderrors.New("boom"))
	assert.Equal(t, "startup failed: boom", err.Error())
}

func TestIsMatchesBaseSentinels(t *testing.T) {
	tests := []struct {
		kind   Kind
		target error
	}{
		{KindTimeout, ErrTimeout},
		{KindConnectivity, ErrConnectionFailed},
		{KindProcess, ErrProcessExited},
		{KindValidation, ErrInvalidInput},
		{KindAuthorization, ErrNotAllowed},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "op", "svc", stderrors.New("inner"))
			assert.True(t, stderrors.Is(err, tt.target))
		})
	}

	err := New(KindTimeout, "op", "svc", stderrors.New("inner"))
	assert.False(t, stderrors.Is(err, ErrConnectionFailed))
}

func TestUnwrapReachesUnderlying(t *testing.T) {
	inner := stderrors.New("root cause")
	err := WrapProtocol("parse_stream", "backend", inner)
	assert.True(t, stderrors.Is(err, inner))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(WrapTimeout("op", "svc", stderrors.New("x"))))
	assert.Equal(t, KindProcess, KindOf(WrapProcess("op", "svc", stderrors.New("x"))))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("untagged")))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(WrapConnectivity("op", "svc", stderrors.New("x"))))
	assert.True(t, IsRetryable(WrapTimeout("op", "svc", stderrors.New("x"))))
	assert.False(t, IsRetryable(New(KindValidation, "op", "svc", stderrors.New("x"))))
	assert.False(t, IsRetryable(stderrors.New("untagged")))
}

func TestWithStatusCodeAdjustsRetryability(t *testing.T) {
	err := New(KindProtocol, "op", "svc", stderrors.New("x")).WithStatusCode(503)
	require.Equal(t, 503, err.StatusCode)
	assert.True(t, err.Retryable)

	err = New(KindConnectivity, "op", "svc", stderrors.New("x")).WithStatusCode(404)
	assert.False(t, err.Retryable)

	err = New(KindProtocol, "op", "svc", stderrors.New("x")).WithStatusCode(429)
	assert.True(t, err.Retryable)
}
