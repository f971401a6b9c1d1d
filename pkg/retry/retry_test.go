package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("busy")

func TestDo_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errBusy)
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithJitter(0))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPlainError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errBusy
	}, WithInitialDelay(time.Millisecond))

	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	err := Do(context.Background(), func(ctx context.Context) error {
		return Permanent(errBusy)
	}, WithRetryIf(func(error) bool { return true }))

	assert.Equal(t, errBusy, err)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := TransactionRetrier(4, func(err error) bool { return errors.Is(err, errBusy) }).
		Do(context.Background(), func(ctx context.Context) error {
			calls++
			return errBusy
		})

	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 4, calls)
}

func TestDoWithData(t *testing.T) {
	r := New(WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithJitter(0))
	calls := 0
	v, err := DoWithData(context.Background(), r, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errors.New("issuer busy"))
		}
		return "cert-1", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "cert-1", v)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
