package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns its results in order and records when it ran on
// the orchestrator's clock.
type scriptedRunner struct {
	clock     *time.Time
	results   []RunResult
	startedAt []time.Time
	budgets   []time.Duration
}

func (r *scriptedRunner) Run(ctx context.Context, target Target) RunResult {
	r.startedAt = append(r.startedAt, *r.clock)
	if dl, ok := ctx.Deadline(); ok {
		r.budgets = append(r.budgets, time.Until(dl))
	}
	if len(r.results) == 0 {
		return RunResult{Outcome: OutcomeTimeout}
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res
}

var dropBase = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDrops(t *testing.T, windows []time.Time, results ...RunResult) (*DropOrchestrator, *scriptedRunner, *time.Time) {
	s := testSettings()
	s.StartBeforeDropSeconds = 120
	s.ContinueAfterDropSeconds = 900
	for _, w := range windows {
		s.DropWindows = append(s.DropWindows, w.Format(time.RFC3339))
	}

	srv := dateServer(t, 0)
	o := NewDropOrchestrator(s, NewTimeSync([]string{srv.URL}, zerolog.Nop()), zerolog.Nop())

	now := dropBase
	o.now = func() time.Time { return now }
	o.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now = now.Add(d)
		return nil
	}
	return o, &scriptedRunner{clock: &now, results: results}, &now
}

func TestDropsWaitForWindowToOpen(t *testing.T) {
	drop := dropBase.Add(time.Hour)
	o, runner, _ := newTestDrops(t, []time.Time{drop}, RunResult{Outcome: OutcomeSuccess})

	res, err := o.Run(context.Background(), runner, airMax)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	require.Len(t, runner.startedAt, 1)
	assert.Equal(t, drop.Add(-2*time.Minute), runner.startedAt[0])
	require.Len(t, runner.budgets, 1)
	assert.InDelta(t, (17 * time.Minute).Seconds(), runner.budgets[0].Seconds(), 5)
}

func TestDropsSkipPastWindows(t *testing.T) {
	past := dropBase.Add(-2 * time.Hour)
	open := dropBase.Add(-5 * time.Minute)
	o, runner, _ := newTestDrops(t, []time.Time{open, past}, RunResult{Outcome: OutcomeSuccess})

	_, err := o.Run(context.Background(), runner, airMax)
	require.NoError(t, err)
	require.Len(t, runner.startedAt, 1)
	// Already inside the window: start right away with what is left of it.
	assert.Equal(t, dropBase, runner.startedAt[0])
	assert.InDelta(t, (10 * time.Minute).Seconds(), runner.budgets[0].Seconds(), 5)
}

func TestDropsAllWindowsPassed(t *testing.T) {
	o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(-3 * time.Hour), dropBase.Add(-time.Hour)})

	res, err := o.Run(context.Background(), runner, airMax)
	assert.ErrorIs(t, err, ErrNoDropWindows)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Empty(t, runner.startedAt)
}

func TestDropsMoveToNextWindowAfterTimeout(t *testing.T) {
	first := dropBase.Add(time.Hour)
	second := dropBase.Add(3 * time.Hour)
	o, runner, _ := newTestDrops(t, []time.Time{second, first},
		RunResult{Outcome: OutcomeTimeout},
		RunResult{Outcome: OutcomeSuccess, Reached: StageConfirmed},
	)

	res, err := o.Run(context.Background(), runner, airMax)
	require.NoError(t, err)
	assert.Equal(t, StageConfirmed, res.Reached)
	assert.Equal(t, []time.Time{first.Add(-2 * time.Minute), second.Add(-2 * time.Minute)}, runner.startedAt)
}

func TestDropsNoSuccess(t *testing.T) {
	o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(time.Hour), dropBase.Add(2 * time.Hour)},
		RunResult{Outcome: OutcomeTimeout},
		RunResult{Outcome: OutcomeError, Err: KindInterstitialBlocked},
	)

	res, err := o.Run(context.Background(), runner, airMax)
	assert.EqualError(t, err, "no success in 2 drop windows")
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Len(t, runner.startedAt, 2)
}

func TestDropsStopOnFatalSession(t *testing.T) {
	o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(time.Hour), dropBase.Add(2 * time.Hour)},
		RunResult{Outcome: OutcomeError, Err: KindFatalSession},
	)

	res, err := o.Run(context.Background(), runner, airMax)
	assert.Error(t, err)
	assert.Equal(t, KindFatalSession, res.Err)
	assert.Len(t, runner.startedAt, 1)
}

func TestDropsStopAfterSubmit(t *testing.T) {
	tests := []struct {
		name   string
		result RunResult
	}{
		{"confirmation timeout", RunResult{Outcome: OutcomeTimeout, Err: KindConfirmationTimeout, Reached: StageSubmitted}},
		{"window ended while submitted", RunResult{Outcome: OutcomeTimeout, Reached: StageSubmitted}},
		{"failed after submit", RunResult{Outcome: OutcomeError, Err: KindUnknown, Reached: StageSubmitted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(time.Hour), dropBase.Add(2 * time.Hour)},
				tt.result,
				RunResult{Outcome: OutcomeSuccess, Reached: StageConfirmed},
			)

			res, err := o.Run(context.Background(), runner, airMax)
			assert.ErrorContains(t, err, "submitted without confirmation")
			assert.Equal(t, tt.result.Outcome, res.Outcome)
			assert.Equal(t, StageSubmitted, res.Reached)
			assert.Len(t, runner.startedAt, 1)
		})
	}
}

func TestDropsAbortedRunStops(t *testing.T) {
	o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(time.Hour), dropBase.Add(2 * time.Hour)},
		RunResult{Outcome: OutcomeAborted},
	)

	res, err := o.Run(context.Background(), runner, airMax)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Len(t, runner.startedAt, 1)
}

func TestDropsCancelledWhileWaiting(t *testing.T) {
	o, runner, _ := newTestDrops(t, []time.Time{dropBase.Add(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	o.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	res, err := o.Run(ctx, runner, airMax)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Empty(t, runner.startedAt)
}

func TestDropsInvalidWindow(t *testing.T) {
	o, runner, _ := newTestDrops(t, nil)
	o.settings.DropWindows = []string{"next friday"}

	res, err := o.Run(context.Background(), runner, airMax)
	assert.Error(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Empty(t, runner.startedAt)
}

func TestDropsRunWithoutTimeSync(t *testing.T) {
	s := testSettings()
	s.DropWindows = []string{dropBase.Format(time.RFC3339)}
	o := NewDropOrchestrator(s, NewTimeSync([]string{"http://127.0.0.1:1"}, zerolog.Nop()), zerolog.Nop())
	now := dropBase
	o.now = func() time.Time { return now }
	runner := &scriptedRunner{clock: &now, results: []RunResult{{Outcome: OutcomeSuccess}}}

	res, err := o.Run(context.Background(), runner, airMax)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}
