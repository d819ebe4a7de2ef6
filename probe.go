package main

import (
	"context"
	"time"
)

// Element is a live handle to a node resolved from a Candidate locator.
type Element interface {
	Locator() string
}

// Probe is the set of browser primitives the engine relies on. Every method
// returns one of the sentinel errors (wrapped) on failure so callers can
// branch with KindOf.
type Probe interface {
	Snapshot(ctx context.Context) (*Page, error)
	Find(ctx context.Context, locator string, timeout time.Duration) (Element, error)
	// Click retries Stale and Intercepted failures internally before
	// giving up.
	Click(ctx context.Context, el Element) error
	// ForceClick dispatches a DOM-level click, bypassing overlays.
	ForceClick(ctx context.Context, el Element) error
	ReadText(ctx context.Context, el Element) (string, error)
	Type(ctx context.Context, el Element, text string) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
}
