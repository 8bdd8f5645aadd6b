// ABOUTME: Tests for the error taxonomy
// ABOUTME: Verifies errors.Is / errors.As behaviour through wrapping

package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("reading memory: %w", &IsolationError{Resource: "memory_record", Expected: "a", Actual: "b"})

	assert.True(t, errors.Is(err, ErrDataIsolationViolation))
	assert.True(t, IsUnrecoverable(err))

	var iso *IsolationError
	require.True(t, errors.As(err, &iso))
	assert.Equal(t, "b", iso.Actual)
	assert.Contains(t, err.Error(), "memory_record")
}

func TestTransient_WrapsBoth(t *testing.T) {
	err := Transient("complete", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrTransientDispatch))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsUnrecoverable(err))
	assert.Nil(t, Transient("complete", nil))
}

func TestIdentityConflict_IsUnrecoverable(t *testing.T) {
	err := &IdentityConflictError{ConversationID: "c1", RequestedTenant: "a", OwnerTenant: "b"}
	assert.True(t, errors.Is(err, ErrIdentityConflict))
	assert.True(t, IsUnrecoverable(err))
}

func TestSoftErrors(t *testing.T) {
	assert.True(t, errors.Is(&InsufficientDataError{TenantID: "t", Samples: 1, Required: 5}, ErrInsufficientData))
	assert.True(t, errors.Is(&PatternConflictError{PatternID: "p", Reason: "dup"}, ErrPatternConflict))
	assert.False(t, IsUnrecoverable(&PatternConflictError{}))
}
