package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return WrapError(KindConnection, "save", errors.New("refused"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentSurfacesImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return WrapError(KindValidation, "save", errors.New("bad score"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	ce, ok := AsConnector(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, ce.Kind)
	assert.False(t, ce.Transient())
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return WrapError(KindOperation, "query", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, 10*time.Millisecond, func() error {
		return WrapError(KindConnection, "save", errors.New("refused"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_NonConnectorError(t *testing.T) {
	calls := 0
	plain := errors.New("plain failure")
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
}

func TestWrapError_Nil(t *testing.T) {
	assert.NoError(t, WrapError(KindConnection, "op", nil))
}
