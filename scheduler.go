package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the final verdict of a monitoring run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeAborted
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "ERROR"
	}
}

// RunResult is produced exactly once per run.
type RunResult struct {
	Outcome Outcome
	Reached Stage
	Err     ErrorKind
	Cycles  int
	RunID   string
	Elapsed time.Duration
}

// Scheduler drives one target through the flow until it succeeds, fails
// terminally, times out or is cancelled.
type Scheduler struct {
	probe      Probe
	sentinel   *Sentinel
	classifier *Classifier
	autofill   Autofiller
	pacer      *Pacer
	robots     RobotsChecker
	settings   *Settings
	log        zerolog.Logger
	now        func() time.Time
}

func NewScheduler(probe Probe, autofill Autofiller, settings *Settings, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		probe:      probe,
		sentinel:   NewSentinel(settings, log),
		classifier: NewClassifier(settings),
		autofill:   autofill,
		pacer:      NewPacer(settings),
		settings:   settings,
		log:        log,
		now:        time.Now,
	}
}

// WithRobots enables the robots.txt gate.
func (s *Scheduler) WithRobots(r RobotsChecker) *Scheduler {
	s.robots = r
	return s
}

// variantSet tracks round-robin position and per-variant block counts.
type variantSet struct {
	urls     []string
	blocked  []int
	disabled []bool
	next     int
	current  int
}

func newVariantSet(urls []string) *variantSet {
	return &variantSet{
		urls:     urls,
		blocked:  make([]int, len(urls)),
		disabled: make([]bool, len(urls)),
		current:  -1,
	}
}

// advance moves to the next enabled variant.
func (v *variantSet) advance() (string, bool) {
	for i := 0; i < len(v.urls); i++ {
		idx := (v.next + i) % len(v.urls)
		if !v.disabled[idx] {
			v.current = idx
			v.next = (idx + 1) % len(v.urls)
			return v.urls[idx], true
		}
	}
	return "", false
}

// block records a BLOCKED verdict on the current variant and reports
// whether it is now disabled.
func (v *variantSet) block(limit int) bool {
	if v.current < 0 {
		return false
	}
	v.blocked[v.current]++
	if v.blocked[v.current] >= limit {
		v.disabled[v.current] = true
		return true
	}
	return false
}

func (v *variantSet) allDisabled() bool {
	for _, d := range v.disabled {
		if !d {
			return false
		}
	}
	return true
}

// Run monitors target until a terminal condition. It always returns a
// well-formed RunResult.
func (s *Scheduler) Run(ctx context.Context, target Target) (result RunResult) {
	start := s.now()
	result.RunID = uuid.NewString()
	log := s.log.With().Str("run", result.RunID).Str("product", target.Name).Logger()

	state := FlowState{}
	finish := func(o Outcome, kind ErrorKind) RunResult {
		result.Outcome = o
		result.Err = kind
		result.Reached = state.Reached
		result.Elapsed = s.now().Sub(start)
		log.Info().Stringer("outcome", o).Stringer("reached", result.Reached).Stringer("error", kind).
			Int("cycles", result.Cycles).Dur("elapsed", result.Elapsed).Msg(T("run_finished"))
		return result
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("monitor loop panicked")
			result = finish(OutcomeError, KindUnknown)
		}
	}()

	if len(target.URLVariants) == 0 {
		return finish(OutcomeError, KindNotFound)
	}

	if s.settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, secondsToDuration(s.settings.RunTimeout))
		defer cancel()
	}

	variants := newVariantSet(target.URLVariants)
	if err := s.robotsGate(ctx, variants, log); err != nil {
		return finish(OutcomeError, KindOf(err))
	}

	machine := NewMachine(target, s.probe, s.classifier, s.autofill, s.settings, log)
	machine.now = s.now

	log.Info().Strs("urls", target.URLVariants).Str("size", target.PreferredSize).Msg(T("run_started"))

	acted := false
	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			return finish(s.contextOutcome(ctx))
		}
		if s.settings.MaxCycles > 0 && cycle > s.settings.MaxCycles {
			return finish(OutcomeTimeout, state.LastError)
		}
		result.Cycles = cycle
		clog := log.With().Int("cycle", cycle).Stringer("stage", state.Stage).Logger()

		// Scanning starts from a fresh variant unless the last step acted on
		// the current page.
		if state.Stage == StageScanning && !acted {
			url, ok := variants.advance()
			if !ok {
				return finish(OutcomeError, KindInterstitialBlocked)
			}
			if err := s.pacer.WaitNavigation(ctx); err != nil {
				return finish(s.contextOutcome(ctx))
			}
			clog.Debug().Str("url", url).Msg(T("scanning_variant"))
			if err := s.probe.Navigate(ctx, url); err != nil {
				if out, kind, stop := s.stopOn(ctx, err); stop {
					return finish(out, kind)
				}
				clog.Warn().Err(err).Str("url", url).Msg("navigation failed")
				delay := s.pacer.CycleDelay()
				if isNetworkError(err) {
					delay = s.pacer.Between(500*time.Millisecond, 1500*time.Millisecond)
				}
				if err := s.pacer.Sleep(ctx, delay); err != nil {
					return finish(s.contextOutcome(ctx))
				}
				continue
			}
			state.SizeSelected = false
		}

		page, err := s.probe.Snapshot(ctx)
		if err != nil {
			if out, kind, stop := s.stopOn(ctx, err); stop {
				return finish(out, kind)
			}
			clog.Warn().Err(err).Msg("snapshot failed")
			acted = false
			if err := s.pacer.Sleep(ctx, s.pacer.StepDelay()); err != nil {
				return finish(s.contextOutcome(ctx))
			}
			continue
		}

		verdict, page, err := s.sentinel.AwaitClear(ctx, s.probe, page)
		if err != nil {
			if out, kind, stop := s.stopOn(ctx, err); stop {
				return finish(out, kind)
			}
			clog.Warn().Err(err).Msg("interstitial check failed")
			acted = false
			continue
		}
		if verdict == VerdictBlocked {
			acted = false
			delay := s.pacer.CycleDelay()
			switch {
			case state.Stage == StageScanning:
				if variants.block(s.settings.BlockedVariantLimit) {
					clog.Warn().Str("url", variants.urls[variants.current]).Msg(T("variant_disabled"))
				}
				if variants.allDisabled() {
					return finish(OutcomeError, KindInterstitialBlocked)
				}
			case state.Stage >= StageSubmitted:
				// The order is placed; only the confirmation timeout ends the wait.
				if machine.confirmationExpired(state) {
					return finish(OutcomeTimeout, KindConfirmationTimeout)
				}
				delay = s.settings.confirmationPoll()
			default:
				state = state.retry(KindInterstitialBlocked, s.settings.StageRetryCeiling)
				if state.Stage == StageFailed {
					return finish(OutcomeError, KindInterstitialBlocked)
				}
			}
			clog.Warn().Str("url", page.URL).Msg(T("blocked_detected"))
			if err := s.pacer.Sleep(ctx, delay); err != nil {
				return finish(s.contextOutcome(ctx))
			}
			continue
		}

		if machine.Stale(state, page) {
			clog.Warn().Stringer("stage", state.Stage).Int("attempts", state.AttemptsInStage).Msg(T("stale_reset"))
			state = state.Reset()
			acted = false
			continue
		}

		prev := state.Stage
		var act Action
		state, act, err = machine.Advance(ctx, state, page)
		acted = act.Kind != ActionNone && err == nil

		switch {
		case errors.Is(err, ErrDryRunHalt):
			return finish(OutcomeAborted, KindNone)
		case state.Stage == StageConfirmed:
			if !s.settings.StopOnSuccess {
				// Keep the session on the confirmation page until the operator stops the run.
				clog.Info().Msg(T("success_idle"))
				<-ctx.Done()
			}
			return finish(OutcomeSuccess, KindNone)
		case state.Stage == StageFailed:
			if state.LastError == KindConfirmationTimeout {
				return finish(OutcomeTimeout, KindConfirmationTimeout)
			}
			return finish(OutcomeError, state.LastError)
		case err != nil:
			if out, kind, stop := s.stopOn(ctx, err); stop {
				return finish(out, kind)
			}
			clog.Debug().Err(err).Int("attempts", state.AttemptsInStage).Msg("step made no progress")
		}

		if state.Stage != prev {
			clog.Info().Stringer("from", prev).Stringer("to", state.Stage).Stringer("action", act.Kind).Msg(T("stage_advanced"))
		}

		if err := s.pacer.Sleep(ctx, s.delayAfter(state, prev, err)); err != nil {
			return finish(s.contextOutcome(ctx))
		}
	}
}

// delayAfter picks the pause before the next cycle.
func (s *Scheduler) delayAfter(state FlowState, prev Stage, stepErr error) time.Duration {
	switch {
	case state.Stage == StageSubmitted:
		return s.settings.confirmationPoll()
	case state.Paused:
		return s.settings.confirmationPoll()
	case state.Stage == StageScanning && prev == StageScanning && stepErr != nil:
		return s.pacer.CycleDelay()
	default:
		return s.pacer.StepDelay()
	}
}

// stopOn decides whether err ends the run.
func (s *Scheduler) stopOn(ctx context.Context, err error) (Outcome, ErrorKind, bool) {
	if ctx.Err() != nil {
		o, k := s.contextOutcome(ctx)
		return o, k, true
	}
	if errors.Is(err, ErrFatalSession) {
		return OutcomeError, KindFatalSession, true
	}
	return 0, KindNone, false
}

// contextOutcome maps a finished context to an outcome: a deadline is a
// timeout, a lost session is an error, anything else is an abort.
func (s *Scheduler) contextOutcome(ctx context.Context) (Outcome, ErrorKind) {
	if cause := context.Cause(ctx); errors.Is(cause, ErrFatalSession) {
		return OutcomeError, KindFatalSession
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout, KindNone
	}
	return OutcomeAborted, KindNone
}

func (s *Scheduler) robotsGate(ctx context.Context, variants *variantSet, log zerolog.Logger) error {
	if !s.settings.RespectRobots || s.robots == nil {
		return nil
	}
	for _, u := range variants.urls {
		if s.robots.Allowed(ctx, u) {
			continue
		}
		log.Warn().Str("url", u).Msg(T("robots_disallowed"))
		if s.settings.BlockOnRobots {
			return fmt.Errorf("robots.txt disallows %s: %w", u, ErrInterstitialBlocked)
		}
	}
	return nil
}
