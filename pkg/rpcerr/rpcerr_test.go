package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRPCCodeMapping(t *testing.T) {
	assert.Equal(t, -32601, MethodNotFound.JSONRPCCode())
	assert.Equal(t, -32602, InvalidParams.JSONRPCCode())
	assert.Equal(t, -32000, Code("UNKNOWN").JSONRPCCode())
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, CategoryProviderUnavailable.Retryable())
	assert.True(t, CategoryTimeout.Retryable())
	assert.True(t, CategoryTransientNetwork.Retryable())
	assert.False(t, CategoryValidation.Retryable())
	assert.False(t, CategoryAuth.Retryable())
	assert.False(t, CategoryPersistence.Retryable())
	assert.False(t, CategorySystem.Retryable())
}

func TestErrorWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ProviderTimeout, CategoryTimeout, "call timed out", cause)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, err.Retryable())
}

func TestConvenienceConstructors(t *testing.T) {
	assert.False(t, NewInvalidParams("bad").Retryable())
	assert.False(t, NewMethodNotFound("missing").Retryable())
	assert.False(t, NewInvalidWorkflow("cycle").Retryable())
	assert.True(t, NewProviderNotAvailable("down").Retryable())
	assert.True(t, NewProviderTimeout("slow").Retryable())
	assert.False(t, NewPersistence("disk", nil).Retryable())
	assert.False(t, NewSystem("bug", nil).Retryable())
}
