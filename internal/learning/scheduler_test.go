// ABOUTME: Tests for the cron-driven learning scheduler
// ABOUTME: Covers expression validation, tick computation and shutdown

package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls chan struct{}
}

func (r *countingRunner) RunAll(context.Context) ([]*Report, error) {
	select {
	case r.calls <- struct{}{}:
	default:
	}
	return nil, nil
}

func TestNewScheduler_InvalidExpression(t *testing.T) {
	_, err := NewScheduler("every tuesday", &countingRunner{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every tuesday")
}

func TestScheduler_Next(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", &countingRunner{}, nil)
	require.NoError(t, err)

	from := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC), next.UTC())
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	runner := &countingRunner{calls: make(chan struct{}, 1)}
	s, err := NewScheduler("0 3 * * *", runner, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Empty(t, runner.calls)
}

func TestScheduler_RunTriggersRunner(t *testing.T) {
	runner := &countingRunner{calls: make(chan struct{}, 4)}
	s, err := NewScheduler("* * * * *", runner, nil)
	require.NoError(t, err)
	// pretend it is one millisecond before a minute boundary
	s.now = func() time.Time {
		return time.Now().Truncate(time.Minute).Add(time.Minute - time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case <-runner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not triggered")
	}
}
