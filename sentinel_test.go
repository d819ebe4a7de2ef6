package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const challengeHTML = `<html><head><title>Just a moment...</title></head><body>
<div id="challenge-running">Checking your browser before accessing shop.test</div>
</body></html>`

const blockedHTML = `<html><head><title>Access denied</title></head><body>
<h1>Sorry, you have been blocked</h1><p>Error 1020</p>
</body></html>`

const normalHTML = `<html><head><title>Air Max 1</title></head><body><h1>Air Max 1</h1></body></html>`

// recordSleeps swaps the sentinel's sleep for one that only records.
func recordSleeps(s *Sentinel) *[]time.Duration {
	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestSentinelAssess(t *testing.T) {
	s := testSettings()
	s.Markers.ChallengePhrases = []string{"Queue-it: you are now in line"}
	sentinel := NewSentinel(s, zerolog.Nop())

	tests := []struct {
		name string
		html string
		want Verdict
	}{
		{"normal page", normalHTML, VerdictNormal},
		{"challenge text", `<html><body><p>Verify you are human by completing the action below.</p></body></html>`, VerdictChallenge},
		{"challenge title", `<html><head><title>Just a moment...</title></head><body></body></html>`, VerdictChallenge},
		{"challenge selector", `<html><body><div class="g-recaptcha"></div></body></html>`, VerdictChallenge},
		{"challenge iframe", `<html><body><iframe src="https://challenges.cloudflare.com/turnstile"></iframe></body></html>`, VerdictChallenge},
		{"configured phrase", `<html><body>Queue-it: You are now in line</body></html>`, VerdictChallenge},
		{"blocked", blockedHTML, VerdictBlocked},
		{"blocked wins over challenge", `<html><body>Access denied. Please verify you are human.</body></html>`, VerdictBlocked},
		{"words out of order", `<html><body>Human? Verify your order, you are almost done.</body></html>`, VerdictNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sentinel.Assess(mustPage(t, "https://shop.test/", tt.html)))
		})
	}
}

func TestAwaitClearBacksOffUntilCleared(t *testing.T) {
	s := testSettings()
	s.ChallengeInitialWaitMs = 2000
	sentinel := NewSentinel(s, zerolog.Nop())
	waits := recordSleeps(sentinel)

	site := newFakeSite(t, nil)
	site.queue = []*Page{
		mustPage(t, "https://shop.test/p", challengeHTML),
		mustPage(t, "https://shop.test/p", normalHTML),
	}

	verdict, page, err := sentinel.AwaitClear(context.Background(), site, mustPage(t, "https://shop.test/p", challengeHTML))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, verdict)
	assert.Equal(t, "Air Max 1", page.Title)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
	assert.Equal(t, 2, site.snapshots)
}

func TestAwaitClearNormalPageDoesNotWait(t *testing.T) {
	sentinel := NewSentinel(testSettings(), zerolog.Nop())
	waits := recordSleeps(sentinel)
	site := newFakeSite(t, nil)

	verdict, _, err := sentinel.AwaitClear(context.Background(), site, mustPage(t, "https://shop.test/", normalHTML))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, verdict)
	assert.Empty(t, *waits)
	assert.Zero(t, site.snapshots)
}

func TestAwaitClearPersistentChallengeIsBlocked(t *testing.T) {
	s := testSettings()
	s.ChallengeInitialWaitMs = 2000
	s.ChallengeMaxWait = 5
	s.ChallengeMaxRechecks = 3
	sentinel := NewSentinel(s, zerolog.Nop())
	waits := recordSleeps(sentinel)

	site := newFakeSite(t, map[string]string{"https://shop.test/p": challengeHTML})
	site.current = "https://shop.test/p"

	verdict, _, err := sentinel.AwaitClear(context.Background(), site, mustPage(t, site.current, challengeHTML))
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, verdict)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second}, *waits)
	assert.Equal(t, 3, site.snapshots)
}

func TestAwaitClearTurnsIntoBlocked(t *testing.T) {
	sentinel := NewSentinel(testSettings(), zerolog.Nop())
	recordSleeps(sentinel)

	site := newFakeSite(t, nil)
	site.queue = []*Page{mustPage(t, "https://shop.test/p", blockedHTML)}

	verdict, _, err := sentinel.AwaitClear(context.Background(), site, mustPage(t, "https://shop.test/p", challengeHTML))
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, verdict)
}

func TestAwaitClearStopsOnCancel(t *testing.T) {
	sentinel := NewSentinel(testSettings(), zerolog.Nop())
	recordSleeps(sentinel)
	site := newFakeSite(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verdict, _, err := sentinel.AwaitClear(ctx, site, mustPage(t, "https://shop.test/p", challengeHTML))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, VerdictChallenge, verdict)
	assert.Zero(t, site.snapshots)
}

func TestAwaitClearSnapshotError(t *testing.T) {
	sentinel := NewSentinel(testSettings(), zerolog.Nop())
	recordSleeps(sentinel)
	site := newFakeSite(t, nil)
	site.snapshotErr = ErrFatalSession

	_, _, err := sentinel.AwaitClear(context.Background(), site, mustPage(t, "https://shop.test/p", challengeHTML))
	assert.True(t, errors.Is(err, ErrFatalSession))
}

func TestChallengeSummary(t *testing.T) {
	sentinel := NewSentinel(testSettings(), zerolog.Nop())
	hits := sentinel.challengeSummary(mustPage(t, "https://shop.test/p", challengeHTML))
	assert.Contains(t, hits, "challenge: just a moment")
	assert.Contains(t, hits, "selector: #challenge-running")
	assert.Empty(t, sentinel.challengeSummary(mustPage(t, "https://shop.test/p", normalHTML)))
}
