package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRetriesUntilFirstSuccess(t *testing.T) {
	calls := 0
	down := true
	setup := NewSetup(func(context.Context) error {
		calls++
		if down {
			return errors.New("connection refused")
		}
		return nil
	})

	require.Error(t, setup.Ensure(context.Background()))
	require.Error(t, setup.Ensure(context.Background()))
	assert.False(t, setup.Ready())

	down = false
	require.NoError(t, setup.Ensure(context.Background()))
	require.NoError(t, setup.Ensure(context.Background()))

	assert.True(t, setup.Ready())
	assert.Equal(t, 3, calls)
}
