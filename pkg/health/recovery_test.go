package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/types"
)

type fakeRestarter struct {
	mu           sync.Mutex
	restartErr   error
	restartCalls int
	errored      []string
}

func (f *fakeRestarter) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	return f.restartErr
}

func (f *fakeRestarter) MarkError(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored = append(f.errored, id)
	return nil
}

func fastRetryPolicy(maxAttempts int) types.RetryPolicy {
	return types.RetryPolicy{
		Enabled:       true,
		MaxAttempts:   maxAttempts,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestRecovery_SuccessfulRestartResetsAttempts(t *testing.T) {
	fr := &fakeRestarter{}
	r := NewRecovery(fr, zerolog.Nop())
	cfg := types.ModelConfig{ID: "m1", RetryPolicy: fastRetryPolicy(3)}

	r.HandleDegraded("m1", cfg)
	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return fr.restartCalls == 1
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	_, stillTracked := r.attempts["m1"]
	r.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestRecovery_ExhaustsBudgetAndMarksError(t *testing.T) {
	fr := &fakeRestarter{restartErr: assertErr{}}
	r := NewRecovery(fr, zerolog.Nop())
	cfg := types.ModelConfig{ID: "m1", RetryPolicy: fastRetryPolicy(2)}

	r.HandleDegraded("m1", cfg)
	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return fr.restartCalls == 1
	}, time.Second, 5*time.Millisecond)

	r.HandleDegraded("m1", cfg)
	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return fr.restartCalls == 2
	}, time.Second, 5*time.Millisecond)

	r.HandleDegraded("m1", cfg) // attempt 3 > MaxAttempts 2
	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.errored) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecovery_DisabledPolicyMarksErrorImmediately(t *testing.T) {
	fr := &fakeRestarter{}
	r := NewRecovery(fr, zerolog.Nop())
	cfg := types.ModelConfig{ID: "m1", RetryPolicy: types.RetryPolicy{Enabled: false}}

	r.HandleDegraded("m1", cfg)
	assert.Equal(t, []string{"m1"}, fr.errored)
}

func TestRecovery_CancelStopsPendingTimer(t *testing.T) {
	fr := &fakeRestarter{}
	r := NewRecovery(fr, zerolog.Nop())
	cfg := types.ModelConfig{ID: "m1", RetryPolicy: types.RetryPolicy{Enabled: true, MaxAttempts: 3, InitialDelay: time.Hour}}

	r.HandleDegraded("m1", cfg)
	r.Cancel("m1")

	time.Sleep(20 * time.Millisecond)
	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Equal(t, 0, fr.restartCalls)
}

type assertErr struct{}

func (assertErr) Error() string { return "restart failed" }
