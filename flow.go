package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Stage is a checkout-flow stage. Values are ordered; FAILED sits outside
// the order and is terminal.
type Stage int

const (
	StageScanning Stage = iota
	StagePDP
	StageSizeSelect
	StageAdded
	StageCart
	StageCheckout
	StageContact
	StageShipping
	StagePayment
	StageTerms
	StageSubmitted
	StageConfirmed
	StageFailed
)

var stageNames = [...]string{
	"SCANNING", "PDP", "SIZE_SELECT", "ADDED", "CART", "CHECKOUT", "CONTACT",
	"SHIPPING", "PAYMENT", "TERMS", "SUBMITTED", "CONFIRMED", "FAILED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// autofill reports whether the Autofiller owns the stage.
func (s Stage) autofill() bool {
	return s >= StageCheckout && s <= StagePayment
}

// FlowState is the mutable progress record of one monitoring attempt.
// Only the Machine and the stale-state reset change it.
type FlowState struct {
	Stage           Stage
	AttemptsInStage int
	LastError       ErrorKind
	SizeSelected    bool

	// ConsentGiven marks the submit-pending half of TERMS.
	ConsentGiven bool
	// Consented holds the locators of consent boxes already clicked.
	Consented []string
	// Paused is set while the Autofiller waits on the operator.
	Paused      bool
	SubmittedAt time.Time
	Reached     Stage
	Resets      int
}

func (f FlowState) moveTo(next Stage) FlowState {
	if next <= f.Stage {
		return f
	}
	f.Stage = next
	f.AttemptsInStage = 0
	f.LastError = KindNone
	f.Paused = false
	if next > f.Reached {
		f.Reached = next
	}
	return f
}

func (f FlowState) fail(kind ErrorKind) FlowState {
	f.Stage = StageFailed
	f.LastError = kind
	f.Paused = false
	return f
}

// retry records a fruitless attempt. Past the ceiling the stage fails;
// SCANNING has no ceiling.
func (f FlowState) retry(kind ErrorKind, ceiling int) FlowState {
	f.AttemptsInStage++
	f.LastError = kind
	if f.Stage != StageScanning && f.AttemptsInStage > ceiling {
		return f.fail(kind)
	}
	return f
}

// Reset is the stale-state reset back to SCANNING.
func (f FlowState) Reset() FlowState {
	return FlowState{
		Stage:   StageScanning,
		Reached: f.Reached,
		Resets:  f.Resets + 1,
	}
}

// Done reports whether no further progress is possible.
func (f FlowState) Done() bool {
	return f.Stage == StageConfirmed || f.Stage == StageFailed
}

// ActionKind is the externally observable side effect of one Advance call.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionClick
	ActionForceClick
	ActionSelectSize
	ActionCheckConsent
	ActionFill
)

func (a ActionKind) String() string {
	switch a {
	case ActionClick:
		return "click"
	case ActionForceClick:
		return "force_click"
	case ActionSelectSize:
		return "select_size"
	case ActionCheckConsent:
		return "check_consent"
	case ActionFill:
		return "fill"
	default:
		return "none"
	}
}

type Action struct {
	Kind    ActionKind
	Locator string
	Text    string
}

// Clicked reports whether the action clicked something on the page.
func (a Action) Clicked() bool {
	return a.Kind == ActionClick || a.Kind == ActionForceClick || a.Kind == ActionSelectSize || a.Kind == ActionCheckConsent
}

// Machine decides and performs the next step of the purchase flow.
type Machine struct {
	target     Target
	probe      Probe
	classifier *Classifier
	autofill   Autofiller
	settings   *Settings
	log        zerolog.Logger
	now        func() time.Time
}

func NewMachine(target Target, probe Probe, classifier *Classifier, autofill Autofiller, settings *Settings, log zerolog.Logger) *Machine {
	return &Machine{
		target:     target,
		probe:      probe,
		classifier: classifier,
		autofill:   autofill,
		settings:   settings,
		log:        log,
		now:        time.Now,
	}
}

// Advance performs at most one externally observable action against page
// and returns the resulting state. The returned error describes the step's
// failure, if any; it is already folded into the state.
func (m *Machine) Advance(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	switch {
	case state.Done():
		return state, Action{}, nil
	case state.Stage == StageScanning:
		return m.scan(ctx, state, page)
	case state.Stage == StagePDP:
		return m.pdp(ctx, state, page)
	case state.Stage == StageSizeSelect:
		return m.addToCart(ctx, state, page)
	case state.Stage == StageAdded:
		return m.added(ctx, state, page)
	case state.Stage == StageCart:
		return m.cart(ctx, state, page)
	case state.Stage.autofill():
		return m.fill(ctx, state, page)
	case state.Stage == StageTerms:
		return m.terms(ctx, state, page)
	case state.Stage == StageSubmitted:
		return m.awaitConfirmation(state, page)
	}
	return state, Action{}, fmt.Errorf("unknown stage %v", state.Stage)
}

func (m *Machine) scan(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	cands := m.classifier.Classify(page, m.target)
	if len(cands) == 0 {
		return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{}, fmt.Errorf("no purchase candidate for %q: %w", m.target.Name, ErrNotFound)
	}

	top := cands[0]
	if top.Priority == PriorityGlobal && m.wantsSize(state) && m.settings.SelectSizeBeforeGlobal {
		if opts := m.classifier.SizeOptions(page); len(opts) > 0 {
			return m.selectSize(ctx, state, opts)
		}
	}

	var next Stage
	switch {
	case top.Kind == KindProductLink:
		next = StagePDP
	case top.Priority == PriorityContextBound:
		next = StageAdded
	case DirectCheckout(top):
		next = StageCheckout
	default:
		next = StageCart
	}

	m.log.Info().Str("cta", top.Text).Float64("score", top.Score.Value).
		Str("priority", priorityName(top.Priority)).Stringer("next", next).Msg(T("cta_selected"))

	act, err := m.click(ctx, top)
	if err != nil {
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
	return state.moveTo(next), act, nil
}

func (m *Machine) wantsSize(state FlowState) bool {
	return strings.TrimSpace(m.target.PreferredSize) != "" && !state.SizeSelected
}

// selectSize clicks the preferred (or nearest) size option. The stage is
// left to the caller; SizeSelected is set on success.
func (m *Machine) selectSize(ctx context.Context, state FlowState, opts []Candidate) (FlowState, Action, error) {
	choice, exact, ok := PickSize(opts, m.target.PreferredSize)
	if !ok {
		return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{},
			fmt.Errorf("size %q not available: %w", m.target.PreferredSize, ErrNotFound)
	}
	if !exact {
		m.log.Warn().Str("wanted", m.target.PreferredSize).Str("picked", choice.Text).Msg(T("size_fallback"))
	}

	act, err := m.click(ctx, choice)
	act.Kind = ActionSelectSize
	if err != nil {
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
	state.SizeSelected = true
	return state, act, nil
}

func (m *Machine) pdp(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	if m.wantsSize(state) {
		if opts := m.classifier.SizeOptions(page); len(opts) > 0 {
			next, act, err := m.selectSize(ctx, state, opts)
			if err != nil {
				return next, act, err
			}
			return next.moveTo(StageSizeSelect), act, nil
		}
		m.log.Debug().Msg("no size options on product page, continuing without size")
	}
	return m.addToCart(ctx, state, page)
}

// addToCart clicks the product page purchase CTA.
func (m *Machine) addToCart(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	var cta *Candidate
	for _, c := range m.classifier.Classify(page, m.target) {
		if c.Kind == KindPurchase {
			cta = &c
			break
		}
	}
	if cta == nil {
		// Already on the product page: a global purchase CTA is the product's.
		if acts := m.classifier.Actions(page, KindPurchase); len(acts) > 0 {
			cta = &acts[0]
		}
	}
	if cta == nil {
		return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{}, fmt.Errorf("no add-to-cart CTA: %w", ErrNotFound)
	}

	act, err := m.click(ctx, *cta)
	if err != nil {
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
	return state.moveTo(StageAdded), act, nil
}

func (m *Machine) added(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	if onCheckoutPage(page) {
		return state.moveTo(StageCheckout), Action{}, nil
	}
	if acts := m.classifier.Actions(page, KindCheckout); len(acts) > 0 {
		act, err := m.click(ctx, acts[0])
		if err != nil {
			return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
		}
		return state.moveTo(StageCheckout), act, nil
	}
	if acts := m.classifier.Actions(page, KindViewBag); len(acts) > 0 {
		act, err := m.click(ctx, acts[0])
		if err != nil {
			return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
		}
		return state.moveTo(StageCart), act, nil
	}
	return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{}, fmt.Errorf("no bag or checkout CTA: %w", ErrNotFound)
}

func (m *Machine) cart(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	if onCheckoutPage(page) {
		return state.moveTo(StageCheckout), Action{}, nil
	}
	acts := m.classifier.Actions(page, KindCheckout)
	if len(acts) == 0 {
		return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{}, fmt.Errorf("no checkout CTA: %w", ErrNotFound)
	}
	act, err := m.click(ctx, acts[0])
	if err != nil {
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
	return state.moveTo(StageCheckout), act, nil
}

func (m *Machine) fill(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	actx, cancel := m.actionContext(ctx, m.settings.pageLoadTimeout())
	defer cancel()

	res, err := m.autofill.Fill(actx, StageContext{
		Stage:   state.Stage,
		Page:    page,
		Target:  m.target,
		Attempt: state.AttemptsInStage,
	})
	act := Action{Kind: ActionFill, Text: state.Stage.String()}

	switch res {
	case FillAdvanced:
		return state.moveTo(state.Stage + 1), act, nil
	case FillNeedsManualStep:
		if !state.Paused {
			m.log.Warn().Stringer("stage", state.Stage).Msg(T("manual_step_required"))
		}
		state.Paused = true
		return state, act, nil
	default:
		if err == nil {
			err = ErrAutofillFailed
		} else if KindOf(err) == KindUnknown {
			err = fmt.Errorf("%w: %v", ErrAutofillFailed, err)
		}
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
}

func (m *Machine) terms(ctx context.Context, state FlowState, page *Page) (FlowState, Action, error) {
	if !state.ConsentGiven {
		boxes := m.classifier.ConsentBoxes(page)
		if len(boxes) > 0 {
			// A checkbox click toggles, so boxes checked on an earlier
			// attempt are never clicked again.
			consented := append([]string(nil), state.Consented...)
			checked := 0
			var lastErr error
			for _, box := range boxes {
				if slices.Contains(consented, box.Locator) {
					checked++
					continue
				}
				if _, err := m.click(ctx, box); err != nil {
					lastErr = err
					continue
				}
				consented = append(consented, box.Locator)
				checked++
			}
			state.Consented = consented
			act := Action{Kind: ActionCheckConsent, Locator: boxes[0].Locator, Text: fmt.Sprintf("%d/%d", checked, len(boxes))}
			if lastErr != nil {
				return state.retry(KindOf(lastErr), m.settings.StageRetryCeiling), act, lastErr
			}
			state.ConsentGiven = true
			return state, act, nil
		}
		state.ConsentGiven = true
	}

	if m.settings.DryRun {
		m.log.Info().Msg(T("dry_run_halt"))
		return state, Action{}, ErrDryRunHalt
	}

	acts := m.classifier.Actions(page, KindSubmit)
	if len(acts) == 0 {
		return state.retry(KindNotFound, m.settings.StageRetryCeiling), Action{}, fmt.Errorf("no submit CTA: %w", ErrNotFound)
	}

	act, err := m.click(ctx, acts[0])
	if err != nil && !deliveryAmbiguous(err) {
		return state.retry(KindOf(err), m.settings.StageRetryCeiling), act, err
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("submit click outcome unknown, treating order as submitted")
	}
	state = state.moveTo(StageSubmitted)
	state.SubmittedAt = m.now()
	m.log.Info().Str("cta", act.Text).Msg(T("order_submitted"))
	return state, act, nil
}

// deliveryAmbiguous is true when a click may have reached the page even
// though the probe reported an error. Such a submit must never be retried.
func deliveryAmbiguous(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindIntercepted, KindStale:
		return false
	}
	return true
}

func (m *Machine) awaitConfirmation(state FlowState, page *Page) (FlowState, Action, error) {
	if m.classifier.Confirmed(page) {
		m.log.Info().Str("url", page.URL).Msg(T("order_confirmed"))
		return state.moveTo(StageConfirmed), Action{}, nil
	}
	if m.confirmationExpired(state) {
		return state.fail(KindConfirmationTimeout), Action{}, ErrConfirmationTimeout
	}
	return state, Action{}, nil
}

func (m *Machine) confirmationExpired(state FlowState) bool {
	return state.Stage == StageSubmitted && m.now().Sub(state.SubmittedAt) >= m.settings.orderSuccessTimeout()
}

// Stale reports whether the page no longer shows what the current stage
// expects after repeated fruitless attempts, meaning the tab moved
// out of band. Stages from SUBMITTED on are never stale.
func (m *Machine) Stale(state FlowState, page *Page) bool {
	if state.Stage == StageScanning || state.Stage >= StageSubmitted {
		return false
	}
	if state.Paused || state.AttemptsInStage < m.settings.StaleAfterAttempts {
		return false
	}
	return !m.expectedSignals(state.Stage, page)
}

func (m *Machine) expectedSignals(stage Stage, page *Page) bool {
	c := m.classifier
	switch stage {
	case StagePDP:
		if len(c.Actions(page, KindPurchase)) > 0 || len(c.SizeOptions(page)) > 0 {
			return true
		}
		_, found := c.NameFound(page, m.target)
		return found
	case StageSizeSelect:
		return len(c.Actions(page, KindPurchase)) > 0
	case StageAdded:
		return len(c.Actions(page, KindCheckout)) > 0 || len(c.Actions(page, KindViewBag)) > 0 || onCheckoutPage(page)
	case StageCart:
		return len(c.Actions(page, KindCheckout)) > 0 || onCheckoutPage(page)
	case StageCheckout, StageContact, StageShipping, StagePayment:
		return HasFormFields(page) || len(c.Actions(page, KindContinue)) > 0 || len(c.Actions(page, KindSubmit)) > 0
	case StageTerms:
		return len(c.Actions(page, KindSubmit)) > 0 || len(c.ConsentBoxes(page)) > 0
	}
	return true
}

// onCheckoutPage detects an add-to-cart that went straight to checkout.
func onCheckoutPage(page *Page) bool {
	return strings.Contains(strings.ToLower(page.URL), "checkout") && HasFormFields(page)
}

// actionContext detaches from ctx so an in-flight action completes even
// when the run is cancelled; the action keeps its own bound.
func (m *Machine) actionContext(ctx context.Context, bound time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bound)
}

// click resolves a candidate and clicks it, falling back to a DOM-level
// click when an overlay keeps intercepting.
func (m *Machine) click(ctx context.Context, c Candidate) (Action, error) {
	timeout := m.settings.elementTimeout()
	actx, cancel := m.actionContext(ctx, 3*timeout)
	defer cancel()

	act := Action{Kind: ActionClick, Locator: c.Locator, Text: c.Text}
	el, err := m.probe.Find(actx, c.Locator, timeout)
	if err != nil {
		return Action{}, fmt.Errorf("find %q: %w", c.Text, err)
	}

	err = m.probe.Click(actx, el)
	if KindOf(err) == KindIntercepted {
		m.log.Debug().Str("cta", c.Text).Msg("click intercepted, dispatching DOM click")
		act.Kind = ActionForceClick
		err = m.probe.ForceClick(actx, el)
	}
	if err != nil {
		return act, fmt.Errorf("click %q: %w", c.Text, err)
	}
	return act, nil
}

func priorityName(p Priority) string {
	if p == PriorityContextBound {
		return "context"
	}
	return "global"
}
