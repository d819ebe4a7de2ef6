package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoDropWindows is returned when every configured window has already ended.
var ErrNoDropWindows = errors.New("all drop windows have ended")

// Runner monitors one target until a terminal condition.
type Runner interface {
	Run(ctx context.Context, target Target) RunResult
}

// DropOrchestrator runs the monitor inside timed drop windows. Each window
// opens StartBeforeDropSeconds before the drop and closes
// ContinueAfterDropSeconds after it, measured on the synced clock.
type DropOrchestrator struct {
	settings *Settings
	clock    *TimeSync
	log      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDropOrchestrator(settings *Settings, clock *TimeSync, log zerolog.Logger) *DropOrchestrator {
	return &DropOrchestrator{
		settings: settings,
		clock:    clock,
		log:      log,
		now:      clock.Now,
		sleep:    sleepCtx,
	}
}

func (o *DropOrchestrator) before() time.Duration {
	return time.Duration(o.settings.StartBeforeDropSeconds) * time.Second
}

func (o *DropOrchestrator) after() time.Duration {
	return time.Duration(o.settings.ContinueAfterDropSeconds) * time.Second
}

// Run walks the windows in order, skipping those already over, and stops at
// the first run that succeeds or is not worth repeating in a later window.
func (o *DropOrchestrator) Run(ctx context.Context, runner Runner, target Target) (RunResult, error) {
	if err := o.clock.Sync(ctx); err != nil {
		o.log.Warn().Err(err).Msg(T("drop_time_sync_failed"))
	} else {
		o.log.Info().Dur("offset", o.clock.GetOffset()).Msg(T("drop_time_synced"))
	}

	windows, err := ParseDropWindows(o.settings.DropWindows)
	if err != nil {
		return RunResult{Outcome: OutcomeError}, err
	}
	if len(windows) == 0 {
		return RunResult{Outcome: OutcomeError}, fmt.Errorf("no drop windows configured")
	}

	start := o.firstOpen(windows)
	if start < 0 {
		last := windows[len(windows)-1]
		o.log.Warn().Time("last", last.Local()).Msg(T("drop_all_passed"))
		return RunResult{Outcome: OutcomeTimeout}, ErrNoDropWindows
	}
	if start > 0 {
		o.log.Info().Int("skipped", start).Msg(T("drop_skipping_past"))
	}

	var result RunResult
	for i := start; i < len(windows); i++ {
		drop := windows[i]
		wlog := o.log.With().Int("window", i+1).Int("windows", len(windows)).Time("drop", drop.Local()).Logger()

		if err := o.waitUntil(ctx, drop.Add(-o.before()), wlog); err != nil {
			return RunResult{Outcome: OutcomeAborted}, err
		}

		wlog.Info().Time("until", drop.Add(o.after()).Local()).Msg(T("drop_window_open"))
		result = o.runWindow(ctx, runner, target, drop)

		switch result.Outcome {
		case OutcomeSuccess:
			wlog.Info().Msg(T("drop_success"))
			return result, nil
		case OutcomeAborted:
			return result, ctx.Err()
		}
		if result.Reached >= StageSubmitted {
			// The order may exist; another window would place it twice.
			wlog.Warn().Stringer("error", result.Err).Msg(T("drop_submitted_unconfirmed"))
			return result, fmt.Errorf("drop window %d: order submitted without confirmation: %s", i+1, result.Err)
		}
		if result.Err.Terminal() || ctx.Err() != nil {
			return result, fmt.Errorf("drop window %d: %s", i+1, result.Err)
		}
		wlog.Warn().Stringer("outcome", result.Outcome).Stringer("error", result.Err).Msg(T("drop_window_failed"))
	}
	return result, fmt.Errorf("no success in %d drop windows", len(windows)-start)
}

// firstOpen returns the index of the first window that has not ended, or -1.
func (o *DropOrchestrator) firstOpen(windows []time.Time) int {
	now := o.now()
	for i, w := range windows {
		if now.Before(w.Add(o.after())) {
			return i
		}
	}
	return -1
}

// runWindow bounds the run by the window's end on the synced clock.
func (o *DropOrchestrator) runWindow(ctx context.Context, runner Runner, target Target, drop time.Time) RunResult {
	remaining := drop.Add(o.after()).Sub(o.now())
	wctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	return runner.Run(wctx, target)
}

// waitUntil sleeps until at on the synced clock, waking every 30 seconds to
// report progress and resync when the last sync is stale.
func (o *DropOrchestrator) waitUntil(ctx context.Context, at time.Time, log zerolog.Logger) error {
	const tick = 30 * time.Second
	for {
		remaining := at.Sub(o.now())
		if remaining <= 0 {
			return nil
		}
		if remaining <= tick {
			return o.sleep(ctx, remaining)
		}
		log.Info().Dur("remaining", remaining.Round(time.Second)).Msg(T("drop_waiting"))
		if err := o.sleep(ctx, tick); err != nil {
			return err
		}
		if o.clock.ShouldResync() {
			if err := o.clock.Sync(ctx); err != nil {
				log.Warn().Err(err).Msg(T("drop_time_sync_failed"))
			}
		}
	}
}
