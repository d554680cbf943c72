package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	policy := NewRetryPolicy(3, time.Millisecond)

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	policy := NewRetryPolicy(2, time.Millisecond)

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestExecute_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("unauthorized")
	calls := 0
	policy := NewRetryPolicy(5, time.Millisecond).WithRetryable(func(err error) bool {
		return errors.Is(err, errTransient)
	})

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := NewRetryPolicy(5, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- policy.Execute(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
