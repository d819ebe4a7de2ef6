package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// RodProbe implements Probe over a live rod page.
type RodProbe struct {
	page     *rod.Page
	settings *Settings
	pacer    *Pacer
	log      zerolog.Logger
}

type rodElement struct {
	locator string
	el      *rod.Element
}

func (e *rodElement) Locator() string { return e.locator }

func NewRodProbe(page *rod.Page, settings *Settings, pacer *Pacer, log zerolog.Logger) *RodProbe {
	return &RodProbe{page: page, settings: settings, pacer: pacer, log: log}
}

func (r *RodProbe) Snapshot(ctx context.Context) (*Page, error) {
	p := r.page.Context(ctx)
	html, err := p.HTML()
	if err != nil {
		return nil, classifyRodError(err)
	}
	info, err := p.Info()
	if err != nil {
		return nil, classifyRodError(err)
	}
	page, err := NewPage(info.URL, html)
	if err != nil {
		return nil, err
	}
	if info.Title != "" {
		page.Title = info.Title
	}
	return page, nil
}

func (r *RodProbe) Find(ctx context.Context, locator string, timeout time.Duration) (Element, error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := r.page.Context(fctx).Element(locator)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, classifyRodError(err)
	}
	return &rodElement{locator: locator, el: el.Context(ctx)}, nil
}

// Click retries stale handles by re-resolving the locator and intercepted
// clicks by dismissing overlays with Escape.
func (r *RodProbe) Click(ctx context.Context, el Element) error {
	re, ok := el.(*rodElement)
	if !ok {
		return fmt.Errorf("foreign element %T", el)
	}

	var lastErr error
	for attempt := 0; attempt <= r.settings.ClickRetries; attempt++ {
		if attempt > 0 {
			if err := r.pacer.Sleep(ctx, r.pacer.Between(150*time.Millisecond, 400*time.Millisecond)); err != nil {
				return err
			}
		}
		if r.settings.HumanizeInput {
			r.moveAround(ctx)
		}

		err := re.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
		if err == nil {
			return nil
		}
		lastErr = classifyRodError(err)
		r.log.Debug().Err(err).Int("attempt", attempt+1).Str("locator", re.locator).Msg("click failed")

		switch KindOf(lastErr) {
		case KindStale:
			fresh, ferr := r.Find(ctx, re.locator, r.settings.elementTimeout())
			if ferr != nil {
				return ferr
			}
			re = fresh.(*rodElement)
		case KindIntercepted:
			_ = r.page.Context(ctx).Keyboard.Press(input.Escape)
		default:
			return lastErr
		}
	}
	return lastErr
}

// moveAround dispatches a couple of mouse moves and a short scroll so the
// page sees pointer activity before an interaction. Failures are ignored.
func (r *RodProbe) moveAround(ctx context.Context) {
	p := r.page.Context(ctx)
	moves := 1 + r.pacer.Intn(2)
	for i := 0; i < moves; i++ {
		x, y := 100+r.pacer.Intn(800), 100+r.pacer.Intn(600)
		_, _ = p.Eval(`(x, y) => document.dispatchEvent(new MouseEvent('mousemove', {
			view: window, bubbles: true, cancelable: true, clientX: x, clientY: y,
		}))`, x, y)
		if r.pacer.Sleep(ctx, r.pacer.Between(5*time.Millisecond, 15*time.Millisecond)) != nil {
			return
		}
	}
	_, _ = p.Eval(`(dy) => window.scrollBy(0, dy)`, 50+r.pacer.Intn(100))
}

func (r *RodProbe) ForceClick(ctx context.Context, el Element) error {
	re, ok := el.(*rodElement)
	if !ok {
		return fmt.Errorf("foreign element %T", el)
	}
	if _, err := re.el.Context(ctx).Eval(`() => this.click()`); err != nil {
		return classifyRodError(err)
	}
	return nil
}

func (r *RodProbe) ReadText(ctx context.Context, el Element) (string, error) {
	re, ok := el.(*rodElement)
	if !ok {
		return "", fmt.Errorf("foreign element %T", el)
	}
	text, err := re.el.Context(ctx).Text()
	if err != nil {
		return "", classifyRodError(err)
	}
	return strings.TrimSpace(text), nil
}

// Type replaces the field's value. Select elements pick the option whose
// text matches.
func (r *RodProbe) Type(ctx context.Context, el Element, text string) error {
	re, ok := el.(*rodElement)
	if !ok {
		return fmt.Errorf("foreign element %T", el)
	}
	e := re.el.Context(ctx)

	tag, err := e.Eval(`() => this.tagName.toLowerCase()`)
	if err != nil {
		return classifyRodError(err)
	}
	if tag.Value.Str() == "select" {
		if err := e.Select([]string{text}, true, rod.SelectorTypeText); err != nil {
			return classifyRodError(err)
		}
		return nil
	}

	if err := e.SelectAllText(); err != nil {
		return classifyRodError(err)
	}
	if err := e.Input(text); err != nil {
		return classifyRodError(err)
	}
	return nil
}

func (r *RodProbe) Navigate(ctx context.Context, url string) error {
	p := r.page.Context(ctx).Timeout(r.settings.pageLoadTimeout())
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, classifyRodError(err))
	}
	if err := p.WaitLoad(); err != nil {
		r.log.Debug().Err(err).Str("url", url).Msg("load event not seen, continuing")
	}
	return nil
}

func (r *RodProbe) Reload(ctx context.Context) error {
	p := r.page.Context(ctx).Timeout(r.settings.pageLoadTimeout())
	defer p.CancelTimeout()

	if err := p.Reload(); err != nil {
		return classifyRodError(err)
	}
	if err := p.WaitLoad(); err != nil {
		r.log.Debug().Err(err).Msg("load event not seen after reload, continuing")
	}
	return nil
}

// classifyRodError maps rod and CDP failures onto the engine's error kinds.
func classifyRodError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isSessionLostError(err) {
		return fmt.Errorf("%w: %v", ErrFatalSession, err)
	}

	var (
		notFound      *rod.ElementNotFoundError
		covered       *rod.CoveredError
		noPointer     *rod.NoPointerEventsError
		notInteract   *rod.NotInteractableError
		invisible     *rod.InvisibleShapeError
		objectMissing *rod.ObjectNotFoundError
	)
	switch {
	case errors.As(err, &covered), errors.As(err, &noPointer), errors.As(err, &notInteract):
		return fmt.Errorf("%w: %v", ErrIntercepted, err)
	case errors.As(err, &notFound), errors.As(err, &invisible):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.As(err, &objectMissing), isStaleNodeError(err):
		return fmt.Errorf("%w: %v", ErrStale, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func isStaleNodeError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "Could not find node with given id") ||
		strings.Contains(errStr, "Node is detached from document") ||
		strings.Contains(errStr, "Cannot find context with specified id") ||
		strings.Contains(errStr, "Node with given id does not belong to the document")
}
