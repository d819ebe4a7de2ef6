package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// Verdict is the Sentinel's reading of a page.
type Verdict int

const (
	VerdictNormal Verdict = iota
	VerdictChallenge
	VerdictBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictChallenge:
		return "CHALLENGE"
	case VerdictBlocked:
		return "BLOCKED"
	default:
		return "NORMAL"
	}
}

var defaultChallengePhrases = []string{
	"checking your browser before accessing",
	"checking if the site connection is secure",
	"verify you are human",
	"verifying you are human",
	"just a moment",
	"attention required",
	"please stand by",
	"press and hold",
	"are you a robot",
	"complete the security check",
	"enable javascript and cookies to continue",
}

var defaultBlockedPhrases = []string{
	"access denied",
	"access to this page has been denied",
	"you have been blocked",
	"sorry you have been blocked",
	"error 1020",
	"request blocked",
	"the requested url was rejected",
	"403 forbidden",
}

var defaultChallengeSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	".cf-browser-verification",
	"#cf-challenge-running",
	"iframe[src*='challenges.cloudflare.com']",
	"iframe[src*='hcaptcha.com']",
	"iframe[src*='recaptcha']",
	".g-recaptcha",
	".h-captcha",
	"#px-captcha",
}

// Sentinel recognizes anti-bot interstitials. It never interacts with a
// challenge; it only waits for it to clear.
type Sentinel struct {
	challenge   []string
	blocked     []string
	selectors   []string
	initialWait time.Duration
	maxWait     time.Duration
	maxRechecks int
	jitter      float64
	sleep       func(context.Context, time.Duration) error
	log         zerolog.Logger
}

func NewSentinel(s *Settings, log zerolog.Logger) *Sentinel {
	return &Sentinel{
		challenge:   normalizeAll(append(append([]string{}, defaultChallengePhrases...), s.Markers.ChallengePhrases...)),
		blocked:     normalizeAll(append(append([]string{}, defaultBlockedPhrases...), s.Markers.BlockedPhrases...)),
		selectors:   append(append([]string{}, defaultChallengeSelectors...), s.Markers.ChallengeSelectors...),
		initialWait: time.Duration(s.ChallengeInitialWaitMs) * time.Millisecond,
		maxWait:     secondsToDuration(s.ChallengeMaxWait),
		maxRechecks: s.ChallengeMaxRechecks,
		jitter:      s.ChallengeJitter,
		sleep:       sleepCtx,
		log:         log,
	}
}

// Assess classifies a snapshot. Blocked markers win over challenge markers.
func (s *Sentinel) Assess(page *Page) Verdict {
	text := Normalize(page.Title + " " + page.BodyText())
	for _, p := range s.blocked {
		if hasPhrase(text, p) {
			return VerdictBlocked
		}
	}
	for _, p := range s.challenge {
		if hasPhrase(text, p) {
			return VerdictChallenge
		}
	}
	for _, sel := range s.selectors {
		if page.Doc().Find(sel).Length() > 0 {
			return VerdictChallenge
		}
	}
	return VerdictNormal
}

// AwaitClear waits out a challenge with exponentially growing pauses,
// re-snapshotting after each. It returns the last verdict and snapshot;
// a challenge still present after the recheck budget reads as BLOCKED.
func (s *Sentinel) AwaitClear(ctx context.Context, probe Probe, page *Page) (Verdict, *Page, error) {
	verdict := s.Assess(page)
	if verdict != VerdictChallenge {
		return verdict, page, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialWait
	b.MaxInterval = s.maxWait
	b.Multiplier = 2
	b.RandomizationFactor = s.jitter
	b.MaxElapsedTime = 0
	b.Reset()

	for check := 1; check <= s.maxRechecks; check++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		s.log.Info().Int("recheck", check).Dur("wait", wait).Str("url", page.URL).Msg(T("challenge_waiting"))
		if err := s.sleep(ctx, wait); err != nil {
			return verdict, page, err
		}

		next, err := probe.Snapshot(ctx)
		if err != nil {
			return verdict, page, fmt.Errorf("snapshot during challenge wait: %w", err)
		}
		page = next
		verdict = s.Assess(page)
		if verdict != VerdictChallenge {
			return verdict, page, nil
		}
	}

	s.log.Warn().Int("rechecks", s.maxRechecks).Str("url", page.URL).Msg(T("challenge_persisted"))
	return VerdictBlocked, page, nil
}

// challengeSummary lists which marker matched, for the inspect command.
func (s *Sentinel) challengeSummary(page *Page) []string {
	var hits []string
	text := Normalize(page.Title + " " + page.BodyText())
	for _, p := range s.blocked {
		if hasPhrase(text, p) {
			hits = append(hits, "blocked: "+p)
		}
	}
	for _, p := range s.challenge {
		if hasPhrase(text, p) {
			hits = append(hits, "challenge: "+p)
		}
	}
	for _, sel := range s.selectors {
		if page.Doc().Find(sel).Length() > 0 {
			hits = append(hits, "selector: "+strings.TrimSpace(sel))
		}
	}
	return hits
}
