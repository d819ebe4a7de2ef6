package main

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound            = errors.New("element not found")
	ErrIntercepted         = errors.New("click intercepted")
	ErrStale               = errors.New("stale element")
	ErrInterstitialBlocked = errors.New("blocked by interstitial")
	ErrConfirmationTimeout = errors.New("no order confirmation observed")
	ErrFatalSession        = errors.New("browser session unusable")
	ErrAutofillFailed      = errors.New("autofill failed")

	// ErrDryRunHalt is returned when dry-run mode stops the flow right before
	// the final submit click.
	ErrDryRunHalt = errors.New("dry run: halted before submit")
)

// ErrorKind is the coarse classification carried in FlowState and RunResult.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindIntercepted
	KindStale
	KindInterstitialBlocked
	KindConfirmationTimeout
	KindFatalSession
	KindAutofillFailed
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "NotFound"
	case KindIntercepted:
		return "Intercepted"
	case KindStale:
		return "Stale"
	case KindInterstitialBlocked:
		return "InterstitialBlocked"
	case KindConfirmationTimeout:
		return "ConfirmationTimeout"
	case KindFatalSession:
		return "FatalSessionError"
	case KindAutofillFailed:
		return "AutofillFailed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether an error of this kind ends the run.
func (k ErrorKind) Terminal() bool {
	return k == KindConfirmationTimeout || k == KindFatalSession
}

// KindOf maps an error (possibly wrapped) to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIntercepted):
		return KindIntercepted
	case errors.Is(err, ErrStale):
		return KindStale
	case errors.Is(err, ErrInterstitialBlocked):
		return KindInterstitialBlocked
	case errors.Is(err, ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrFatalSession):
		return KindFatalSession
	case errors.Is(err, ErrAutofillFailed):
		return KindAutofillFailed
	default:
		return KindUnknown
	}
}

// isNetworkError checks if an error looks like a transient network/timeout
// failure that is worth retrying.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Client.Timeout") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "net::ERR_")
}

// isSessionLostError checks for errors that mean the browser or its
// DevTools connection is gone.
func isSessionLostError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close") ||
		strings.Contains(errStr, "Session with given id not found") ||
		strings.Contains(errStr, "Target closed") ||
		strings.Contains(errStr, "No target with given id found")
}
