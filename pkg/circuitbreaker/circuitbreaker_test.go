package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []State

	cb := New("test",
		WithFailureThreshold(2),
		WithSuccessThreshold(1),
		WithTimeout(time.Minute),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	cb.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("client error")
	cb := New("test", WithFailureThreshold(1), WithIsFailure(func(err error) bool {
		return !errors.Is(err, ignored)
	}))

	_ = cb.Execute(context.Background(), func(context.Context) error { return ignored })
	assert.Equal(t, StateClosed, cb.State())
}
