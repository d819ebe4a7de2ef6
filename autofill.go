package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// FillResult is the Autofiller's verdict for one stage.
type FillResult int

const (
	FillFailed FillResult = iota
	FillAdvanced
	FillNeedsManualStep
)

func (r FillResult) String() string {
	switch r {
	case FillAdvanced:
		return "advanced"
	case FillNeedsManualStep:
		return "needs_manual_step"
	default:
		return "failed"
	}
}

// StageContext is what the Autofiller sees of the flow.
type StageContext struct {
	Stage   Stage
	Page    *Page
	Target  Target
	Attempt int
}

// Autofiller completes CHECKOUT through PAYMENT stages.
type Autofiller interface {
	Fill(ctx context.Context, sc StageContext) (FillResult, error)
}

type fieldRule struct {
	field   string
	phrases []string
}

// autocompleteFields maps standard autocomplete tokens to profile fields.
var autocompleteFields = map[string]string{
	"email":          fieldEmail,
	"tel":            fieldPhone,
	"given-name":     fieldFirstName,
	"family-name":    fieldLastName,
	"name":           fieldFullName,
	"address-line1":  fieldAddress1,
	"street-address": fieldAddress1,
	"address-line2":  fieldAddress2,
	"address-level2": fieldCity,
	"address-level1": fieldState,
	"postal-code":    fieldZip,
	"country":        fieldCountry,
	"country-name":   fieldCountry,
	"cc-name":        fieldCardName,
	"cc-number":      fieldCardNumber,
	"cc-exp":         fieldCardExpiry,
	"cc-exp-month":   fieldCardMonth,
	"cc-exp-year":    fieldCardYear,
	"cc-csc":         fieldCardCVV,
}

// Checked in order; the first rule with a phrase in the field's identity wins.
var fieldRules = []fieldRule{
	{fieldCardNumber, []string{"cardnumber", "card number", "cc number", "ccnumber", "card no"}},
	{fieldCardCVV, []string{"cvv", "cvc", "cvv2", "security code", "securitycode", "csc"}},
	{fieldCardMonth, []string{"exp month", "expiry month", "expiration month", "expmonth"}},
	{fieldCardYear, []string{"exp year", "expiry year", "expiration year", "expyear"}},
	{fieldCardExpiry, []string{"expiry", "expiration", "exp date", "expdate", "mm yy", "exp"}},
	{fieldCardName, []string{"cardholder", "name on card", "nameoncard", "card name", "cc name"}},
	{fieldEmail, []string{"email", "e mail"}},
	{fieldPhone, []string{"phone", "telephone", "tel", "mobile"}},
	{fieldFirstName, []string{"first name", "firstname", "fname", "given name", "givenname"}},
	{fieldLastName, []string{"last name", "lastname", "lname", "surname", "family name", "familyname"}},
	{fieldAddress2, []string{"address2", "address line 2", "addressline2", "apt", "apartment", "suite", "unit"}},
	{fieldAddress1, []string{"address1", "address line 1", "addressline1", "street", "address"}},
	{fieldCity, []string{"city", "town", "locality"}},
	{fieldState, []string{"state", "province", "region", "county"}},
	{fieldZip, []string{"zip", "zipcode", "postal", "postcode", "postal code"}},
	{fieldCountry, []string{"country"}},
	{fieldFullName, []string{"full name", "fullname", "name"}},
}

var manualStepPhrases = []string{
	"3d secure", "3 d secure", "verify your payment", "authenticate your payment",
	"confirm it's you", "approve this payment in your banking app", "enter the code sent to",
}

var manualStepSelectors = []string{
	"iframe[src*='3ds']",
	"iframe[name*='3ds']",
	"iframe[src*='authentication']",
}

var hostedPaymentSelectors = []string{
	"iframe[src*='stripe']",
	"iframe[src*='adyen']",
	"iframe[src*='braintree']",
	"iframe[src*='checkout.com']",
	"iframe[src*='cybersource']",
}

// FormAutofill fills checkout forms from a CheckoutProfile and presses the
// page's continue CTA.
type FormAutofill struct {
	probe      Probe
	classifier *Classifier
	profile    *CheckoutProfile
	settings   *Settings
	log        zerolog.Logger
	filled     map[string]bool
}

func NewFormAutofill(probe Probe, classifier *Classifier, profile *CheckoutProfile, settings *Settings, log zerolog.Logger) *FormAutofill {
	return &FormAutofill{
		probe:      probe,
		classifier: classifier,
		profile:    profile,
		settings:   settings,
		log:        log,
		filled:     make(map[string]bool),
	}
}

type formField struct {
	locator string
	field   string
	value   string
}

func (a *FormAutofill) Fill(ctx context.Context, sc StageContext) (FillResult, error) {
	page := sc.Page
	if needsManualStep(page) {
		return FillNeedsManualStep, nil
	}

	fields := a.matchFields(page)
	typed := 0
	for _, f := range fields {
		el, err := a.probe.Find(ctx, f.locator, a.settings.elementTimeout())
		if err != nil {
			a.log.Debug().Err(err).Str("field", f.field).Msg("autofill field vanished")
			continue
		}
		if err := a.probe.Type(ctx, el, f.value); err != nil {
			a.log.Debug().Err(err).Str("field", f.field).Msg("autofill type failed")
			continue
		}
		a.filled[page.URL+"|"+f.locator] = true
		typed++
	}
	if typed > 0 {
		a.log.Info().Int("fields", typed).Stringer("stage", sc.Stage).Msg(T("autofill_filled"))
	}

	if sc.Stage == StagePayment && typed == 0 && !a.hasCardFields(page) && hostedPaymentFrame(page) {
		return FillNeedsManualStep, nil
	}

	if acts := a.classifier.Actions(page, KindContinue); len(acts) > 0 {
		el, err := a.probe.Find(ctx, acts[0].Locator, a.settings.elementTimeout())
		if err != nil {
			return FillFailed, fmt.Errorf("continue CTA %q: %w", acts[0].Text, err)
		}
		if err := a.probe.Click(ctx, el); err != nil {
			if KindOf(err) != KindIntercepted {
				return FillFailed, fmt.Errorf("continue CTA %q: %w", acts[0].Text, err)
			}
			if err := a.probe.ForceClick(ctx, el); err != nil {
				return FillFailed, fmt.Errorf("continue CTA %q: %w", acts[0].Text, err)
			}
		}
		return FillAdvanced, nil
	}

	// Single-page checkouts: nothing to continue, but the order can be placed.
	if len(a.classifier.Actions(page, KindSubmit)) > 0 {
		return FillAdvanced, nil
	}
	if typed > 0 {
		return FillAdvanced, nil
	}
	return FillFailed, fmt.Errorf("nothing to fill or continue at %v: %w", sc.Stage, ErrNotFound)
}

// matchFields lists visible, unfilled form fields the profile can answer.
func (a *FormAutofill) matchFields(page *Page) []formField {
	var out []formField
	doc := page.Doc()
	doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		t := strings.ToLower(sel.AttrOr("type", "text"))
		switch t {
		case "hidden", "submit", "button", "checkbox", "radio", "image", "reset", "file":
			return
		}
		if isHidden(sel) || isDisabled(sel) {
			return
		}
		if _, ro := sel.Attr("readonly"); ro {
			return
		}
		if v := strings.TrimSpace(sel.AttrOr("value", "")); v != "" {
			return
		}
		locator := cssPath(sel)
		if a.filled[page.URL+"|"+locator] {
			return
		}
		field := identifyField(doc, sel)
		if field == "" {
			return
		}
		value := a.profile.Value(field)
		if value == "" {
			return
		}
		out = append(out, formField{locator: locator, field: field, value: value})
	})
	return out
}

func identifyField(doc *goquery.Document, sel *goquery.Selection) string {
	if ac := strings.ToLower(strings.TrimSpace(sel.AttrOr("autocomplete", ""))); ac != "" {
		fields := strings.Fields(ac)
		if f, ok := autocompleteFields[fields[len(fields)-1]]; ok {
			return f
		}
	}

	switch strings.ToLower(sel.AttrOr("type", "")) {
	case "email":
		return fieldEmail
	case "tel":
		return fieldPhone
	}

	ident := attrText(sel) + " " + sel.AttrOr("placeholder", "")
	if id := sel.AttrOr("id", ""); id != "" {
		ident += " " + doc.Find("label[for='"+id+"']").Text()
	}
	ident += " " + sel.Closest("label").Text()
	norm := Normalize(ident)

	for _, rule := range fieldRules {
		if hasAnyPhrase(norm, rule.phrases) {
			return rule.field
		}
	}
	return ""
}

func (a *FormAutofill) hasCardFields(page *Page) bool {
	found := false
	page.Doc().Find("input").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if identifyField(page.Doc(), sel) == fieldCardNumber {
			found = true
			return false
		}
		return true
	})
	return found
}

func needsManualStep(page *Page) bool {
	text := Normalize(page.BodyText())
	for _, p := range manualStepPhrases {
		if hasPhrase(text, Normalize(p)) {
			return true
		}
	}
	for _, sel := range manualStepSelectors {
		if page.Doc().Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func hostedPaymentFrame(page *Page) bool {
	for _, sel := range hostedPaymentSelectors {
		if page.Doc().Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
