package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeElement struct {
	locator string
	text    string
}

func (e *fakeElement) Locator() string { return e.locator }

// fakeSite is an in-memory Probe. Pages are keyed by URL; clicking an
// element whose text has a link navigates to that URL.
type fakeSite struct {
	t  *testing.T
	mu sync.Mutex

	pages   map[string]string
	current string
	links   map[string]string

	// queue, when non-empty, is served by Snapshot before the current page.
	queue []*Page

	snapshotErr error
	navErr      error
	clickErr    map[string]error
	findErr     map[string]error

	snapshots   int
	navigations []string
	clicks      []string
	forced      []string
	typed       map[string]string
	onSnapshot  func(n int)
}

func newFakeSite(t *testing.T, pages map[string]string) *fakeSite {
	return &fakeSite{
		t:        t,
		pages:    pages,
		links:    map[string]string{},
		clickErr: map[string]error{},
		findErr:  map[string]error{},
		typed:    map[string]string{},
	}
}

func (f *fakeSite) page() (*Page, error) {
	raw, ok := f.pages[f.current]
	if !ok {
		return nil, fmt.Errorf("no page at %q", f.current)
	}
	return NewPage(f.current, raw)
}

func (f *fakeSite) Snapshot(ctx context.Context) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.onSnapshot != nil {
		f.onSnapshot(f.snapshots)
	}
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	if len(f.queue) > 0 {
		p := f.queue[0]
		f.queue = f.queue[1:]
		return p, nil
	}
	return f.page()
}

func (f *fakeSite) Find(ctx context.Context, locator string, timeout time.Duration) (Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.findErr[locator]; err != nil {
		return nil, err
	}
	p, err := f.page()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	sel := p.Doc().Find(locator)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return &fakeElement{locator: locator, text: elementText(sel.First())}, nil
}

func (f *fakeSite) Click(ctx context.Context, el Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fe := el.(*fakeElement)
	if err := f.clickErr[fe.text]; err != nil {
		return err
	}
	f.clicks = append(f.clicks, fe.text)
	f.follow(fe.text)
	return nil
}

func (f *fakeSite) ForceClick(ctx context.Context, el Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fe := el.(*fakeElement)
	f.forced = append(f.forced, fe.text)
	f.follow(fe.text)
	return nil
}

func (f *fakeSite) follow(text string) {
	if dest, ok := f.links[text]; ok {
		f.current = dest
	}
}

func (f *fakeSite) ReadText(ctx context.Context, el Element) (string, error) {
	return el.(*fakeElement).text, nil
}

func (f *fakeSite) Type(ctx context.Context, el Element, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed[el.Locator()] = text
	return nil
}

func (f *fakeSite) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.navigations = append(f.navigations, url)
	if f.navErr != nil {
		return f.navErr
	}
	f.current = url
	return nil
}

func (f *fakeSite) Reload(ctx context.Context) error { return nil }

func (f *fakeSite) clickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clicks) + len(f.forced)
}

// fakeAutofill returns scripted results, then FillAdvanced.
type fakeAutofill struct {
	results []FillResult
	err     error
	calls   []Stage
}

func (a *fakeAutofill) Fill(ctx context.Context, sc StageContext) (FillResult, error) {
	a.calls = append(a.calls, sc.Stage)
	if len(a.results) == 0 {
		return FillAdvanced, nil
	}
	r := a.results[0]
	a.results = a.results[1:]
	if r == FillFailed {
		return r, a.err
	}
	return r, nil
}

// testSettings disables every real wait.
func testSettings() *Settings {
	s := DefaultSettings()
	s.MinNavigationIntervalMs = 0
	s.RetryDelay = 0
	s.RetryJitter = 0
	s.MinCycleDelayMs = 0
	s.MinDelayBetween = 0
	s.MaxDelayBetween = 0
	s.ConfirmationPollMs = 0
	s.ChallengeJitter = 0
	return s
}

func mustPage(t *testing.T, url, raw string) *Page {
	t.Helper()
	p, err := NewPage(url, raw)
	require.NoError(t, err)
	return p
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}
