package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/logging"
)

func TestExecutorDo(t *testing.T) {
	errBoom := fmt.Errorf("boom: %w", common.ErrTransientStore)

	tests := []struct {
		name        string
		maxAttempts int
		failures    int
		failWith    error
		wantCalls   int
		wantErr     error
	}{
		{name: "first attempt succeeds", maxAttempts: 5, failures: 0, wantCalls: 1},
		{name: "succeeds on last attempt", maxAttempts: 5, failures: 4, failWith: errBoom, wantCalls: 5},
		{name: "fails after exactly the ceiling", maxAttempts: 5, failures: 100, failWith: errBoom, wantCalls: 5, wantErr: common.ErrTransientStore},
		{name: "single attempt ceiling", maxAttempts: 1, failures: 100, failWith: errBoom, wantCalls: 1, wantErr: common.ErrTransientStore},
		{name: "rejected statement is not retried", maxAttempts: 5, failures: 100, failWith: common.ErrStoreRejected, wantCalls: 1, wantErr: common.ErrStoreRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExecutor(tt.maxAttempts, time.Millisecond, logging.Discard())
			calls := 0
			err := exec.Do(context.Background(), "test", func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExecutorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(5, time.Hour, logging.Discard())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- exec.Do(ctx, "test", func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop after cancellation")
	}
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
