package main

import (
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// RoleHint tags what a candidate element is for.
type RoleHint int

const (
	RoleCTA RoleHint = iota
	RoleSizeOption
	RoleInput
	RoleOther
)

func (r RoleHint) String() string {
	switch r {
	case RoleCTA:
		return "cta"
	case RoleSizeOption:
		return "size_option"
	case RoleInput:
		return "input"
	default:
		return "other"
	}
}

// CTAKind identifies which step of the purchase flow a CTA drives.
type CTAKind int

const (
	KindPurchase CTAKind = iota
	KindProductLink
	KindViewBag
	KindCheckout
	KindContinue
	KindSubmit
	KindSize
	KindConsent
)

func (k CTAKind) String() string {
	switch k {
	case KindPurchase:
		return "purchase"
	case KindProductLink:
		return "product_link"
	case KindViewBag:
		return "view_bag"
	case KindCheckout:
		return "checkout"
	case KindContinue:
		return "continue"
	case KindSubmit:
		return "submit"
	case KindSize:
		return "size"
	case KindConsent:
		return "consent"
	default:
		return "unknown"
	}
}

// Priority orders candidates; lower is preferred.
type Priority int

const (
	PriorityContextBound Priority = iota
	PriorityGlobal
)

// Candidate is an element the flow might act on. Recomputed every cycle.
// Available is false only for size options marked sold out or disabled.
type Candidate struct {
	Locator    string
	Text       string
	Role       RoleHint
	InViewport bool
	Available  bool
	Kind       CTAKind
	Priority   Priority
	Score      MatchScore
	order      int
}

// Phrase lists. Matching is done on normalized text at word boundaries.
var ctaPhrases = map[CTAKind][]string{
	KindPurchase: {"add to cart", "add to bag", "add to basket", "buy now", "buy it now", "buy", "purchase", "pre order", "preorder"},
	KindViewBag:  {"view bag", "view cart", "view basket", "go to bag", "go to cart", "see bag", "see cart", "shopping bag", "shopping cart", "your bag", "your cart"},
	KindCheckout: {"checkout", "check out", "proceed to checkout", "continue to checkout", "secure checkout"},
	KindContinue: {"continue", "next", "continue to shipping", "continue to payment", "save and continue", "checkout as guest", "guest checkout", "continue as guest", "use this address", "review order"},
	KindSubmit:   {"place order", "complete order", "complete purchase", "submit order", "submit payment", "confirm order", "confirm purchase", "pay now", "confirm and pay", "pay"},
}

// Purchase phrases that jump straight to checkout rather than the cart.
var directCheckoutPhrases = []string{"buy now", "buy it now", "buy", "purchase"}

var defaultDenyPhrases = []string{
	"notify me", "remind me", "email me", "join waitlist", "waitlist",
	"payment options", "pay in 4", "pay later", "klarna", "afterpay", "affirm", "installments",
	"newsletter", "sign up", "subscribe",
	"help", "faq", "customer service", "contact us", "size guide", "size chart", "find in store",
	"gift card", "wishlist", "wish list", "add to favorites", "favorite",
	"sold out", "out of stock", "coming soon", "unavailable",
}

// Bare "order" normalizes from "order #" and appears on every checkout
// page, so each phrase here needs more context than that.
var defaultConfirmationPhrases = []string{
	"thank you for your order", "thanks for your order", "order confirmed",
	"your order has been placed", "order has been received", "your order number",
	"we've received your order", "order complete",
}

var confirmationURLMarkers = []string{"confirmation", "thank-you", "thankyou", "order-complete", "order-received", "/success"}

var consentPhrases = []string{"agree", "terms", "consent", "conditions", "policy", "accept"}

var letterSizes = []string{"xxxs", "xxs", "xs", "s", "m", "l", "xl", "xxl", "xxxl"}

const (
	ctaSelector      = "button, a, input[type=submit], input[type=button], [role=button]"
	sizeSelector     = "button, label, a, li, [role=radio], [role=option]"
	maxSizeTextLen   = 12
	sizeContextHops  = 4
	denyContextHops  = 2
	nameProbeMaxText = 200
)

// Classifier scores DOM nodes as purchase actions. Exclusion always wins
// over inclusion.
type Classifier struct {
	minScore                float64
	maxDistance             int
	allowGlobalWhenNameSeen bool
	allowGlobalAlways       bool
	deny                    []string
	confirmation            []string
}

// NewClassifier builds a classifier from the settings snapshot.
func NewClassifier(s *Settings) *Classifier {
	c := &Classifier{
		minScore:                s.MinMatchScore,
		maxDistance:             s.ContextMaxDistance,
		allowGlobalWhenNameSeen: s.AllowGlobalCTAWhenNameFound,
		allowGlobalAlways:       s.AllowGlobalCTAAlways,
	}
	c.deny = normalizeAll(append(append([]string{}, defaultDenyPhrases...), s.Markers.DenyPhrases...))
	c.confirmation = normalizeAll(append(append([]string{}, defaultConfirmationPhrases...), s.Markers.ConfirmationPhrases...))
	return c
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// hasPhrase matches phrase against normalized text on word boundaries.
func hasPhrase(normText, phrase string) bool {
	if normText == "" || phrase == "" {
		return false
	}
	return strings.Contains(" "+normText+" ", " "+phrase+" ")
}

func hasAnyPhrase(normText string, phrases []string) bool {
	for _, p := range phrases {
		if hasPhrase(normText, Normalize(p)) {
			return true
		}
	}
	return false
}

// denied applies the deny list to the element and its nearby context.
func (c *Classifier) denied(sel *goquery.Selection) bool {
	own := Normalize(elementText(sel) + " " + attrText(sel))
	for _, d := range c.deny {
		if hasPhrase(own, d) {
			return true
		}
	}

	hops := 0
	for p := sel.Parent(); p.Length() > 0 && p.Get(0).Type == html.ElementNode; p = p.Parent() {
		node := p.Get(0)
		if node.Data == "footer" || p.AttrOr("role", "") == "contentinfo" {
			return true
		}
		if node.Data == "form" {
			formCtx := Normalize(attrText(p) + " " + p.AttrOr("action", ""))
			if hasPhrase(formCtx, "newsletter") || hasPhrase(formCtx, "subscribe") || hasPhrase(formCtx, "signup") {
				return true
			}
		}
		if hops < denyContextHops {
			ctx := Normalize(attrText(p))
			for _, d := range c.deny {
				if hasPhrase(ctx, d) {
					return true
				}
			}
		}
		hops++
	}
	return false
}

// Classify returns purchase candidates for the target, best first:
// context-bound CTAs, context-bound product links, then global CTAs when
// the toggles allow them.
func (c *Classifier) Classify(page *Page, target Target) []Candidate {
	blockScores := map[*html.Node]MatchScore{}
	scoreBlock := func(sel *goquery.Selection) MatchScore {
		node := sel.Get(0)
		if ms, ok := blockScores[node]; ok {
			return ms
		}
		ms := Score(collapseSpace(sel.Text()), target.Name)
		blockScores[node] = ms
		return ms
	}

	var out []Candidate
	var globals []Candidate
	seenBlocks := map[*html.Node]bool{}

	type purchaseCTA struct {
		sel   *goquery.Selection
		text  string
		order int
	}
	var ctas []purchaseCTA
	page.Doc().Find(ctaSelector).Each(func(i int, sel *goquery.Selection) {
		if isHidden(sel) || isDisabled(sel) {
			return
		}
		text := elementText(sel)
		if !hasAnyPhrase(Normalize(text), ctaPhrases[KindPurchase]) || c.denied(sel) {
			return
		}
		ctas = append(ctas, purchaseCTA{sel: sel, text: text, order: i})
	})

	// A container holding several purchase CTAs is a listing, not the
	// block of one product.
	ctaCount := map[*html.Node]int{}
	countCTAs := func(n *html.Node) int {
		if v, ok := ctaCount[n]; ok {
			return v
		}
		v := 0
		for _, cta := range ctas {
			if domDepthBetween(n, cta.sel.Get(0)) > 0 {
				v++
			}
		}
		ctaCount[n] = v
		return v
	}

	for _, cta := range ctas {
		cand := Candidate{
			Locator:    cssPath(cta.sel),
			Text:       cta.text,
			Role:       RoleCTA,
			InViewport: true,
			Available:  true,
			Kind:       KindPurchase,
			order:      cta.order,
		}

		bound := false
		hop := 0
		for p := cta.sel.Parent(); p.Length() > 0 && hop < c.maxDistance; p = p.Parent() {
			hop++
			node := p.Get(0)
			if node.Type != html.ElementNode || node.Data == "html" || countCTAs(node) > 1 {
				break
			}
			ms := scoreBlock(p)
			if ms.Value >= c.minScore {
				cand.Priority = PriorityContextBound
				cand.Score = ms
				out = append(out, cand)
				seenBlocks[node] = true
				bound = true
				break
			}
		}
		if !bound {
			cand.Priority = PriorityGlobal
			globals = append(globals, cand)
		}
	}

	// Product blocks without an inline purchase CTA: their links open the PDP.
	linkOrder := len(out) + len(globals)
	for _, block := range c.productBlocks(page, target, scoreBlock) {
		if seenBlocks[block.Get(0)] {
			continue
		}
		block.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href := strings.TrimSpace(a.AttrOr("href", ""))
			if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
				return true
			}
			if isHidden(a) || c.denied(a) {
				return true
			}
			linkOrder++
			out = append(out, Candidate{
				Locator:    cssPath(a),
				Text:       elementText(a),
				Role:       RoleOther,
				InViewport: true,
				Available:  true,
				Kind:       KindProductLink,
				Priority:   PriorityContextBound,
				Score:      scoreBlock(block),
				order:      linkOrder,
			})
			return false
		})
	}

	if len(globals) > 0 && c.globalAllowed(page, target) {
		nameScore, _ := c.NameFound(page, target)
		for i := range globals {
			globals[i].Score = nameScore
		}
		out = append(out, globals...)
	}

	sortCandidates(out)
	return out
}

func (c *Classifier) globalAllowed(page *Page, target Target) bool {
	if c.allowGlobalAlways {
		return true
	}
	if !c.allowGlobalWhenNameSeen {
		return false
	}
	_, found := c.NameFound(page, target)
	return found
}

// productBlocks finds the smallest card-like containers whose text matches
// the target name.
func (c *Classifier) productBlocks(page *Page, target Target, scoreBlock func(*goquery.Selection) MatchScore) []*goquery.Selection {
	var blocks []*goquery.Selection
	page.Doc().Find("article, li, div, section").Each(func(_ int, sel *goquery.Selection) {
		if isHidden(sel) {
			return
		}
		if sel.Find("img").Length() == 0 && sel.Children().Length() < 2 {
			return
		}
		if scoreBlock(sel).Value < c.minScore {
			return
		}
		blocks = append(blocks, sel)
	})

	// Keep innermost matches only.
	var inner []*goquery.Selection
	for i, b := range blocks {
		nested := false
		for j, other := range blocks {
			if i != j && domDepthBetween(b.Get(0), other.Get(0)) > 0 {
				nested = true
				break
			}
		}
		if !nested {
			inner = append(inner, b)
		}
	}
	return inner
}

// NameFound reports the best score of any short text element against the
// target name and whether it clears the threshold.
func (c *Classifier) NameFound(page *Page, target Target) (MatchScore, bool) {
	best := Score(page.Title, target.Name)
	page.Doc().Find("h1, h2, h3, h4, h5, h6, [itemprop=name], p, span, a, div, li").Each(func(_ int, sel *goquery.Selection) {
		text := collapseSpace(sel.Text())
		if text == "" || len(text) > nameProbeMaxText || isHidden(sel) {
			return
		}
		if ms := Score(text, target.Name); ms.Value > best.Value {
			best = ms
		}
	})
	return best, best.Value >= c.minScore
}

// Actions returns global CTAs of one kind, excluding denied and disabled
// elements, in DOM order.
func (c *Classifier) Actions(page *Page, kind CTAKind) []Candidate {
	phrases := ctaPhrases[kind]
	var out []Candidate
	page.Doc().Find(ctaSelector).Each(func(i int, sel *goquery.Selection) {
		if isHidden(sel) || isDisabled(sel) {
			return
		}
		text := elementText(sel)
		norm := Normalize(text)
		if !hasAnyPhrase(norm, phrases) {
			return
		}
		// "add to cart" must not count as a view-cart or checkout CTA.
		if kind != KindPurchase && hasAnyPhrase(norm, ctaPhrases[KindPurchase]) && !hasAnyPhrase(norm, []string{"checkout", "check out"}) {
			return
		}
		if c.denied(sel) {
			return
		}
		out = append(out, Candidate{
			Locator:    cssPath(sel),
			Text:       text,
			Role:       RoleCTA,
			InViewport: true,
			Available:  true,
			Kind:       kind,
			Priority:   PriorityGlobal,
			order:      i,
		})
	})
	sortCandidates(out)
	return out
}

// DirectCheckout reports whether a purchase CTA skips the cart.
func DirectCheckout(c Candidate) bool {
	norm := Normalize(c.Text)
	if hasAnyPhrase(norm, []string{"add to cart", "add to bag", "add to basket"}) {
		return false
	}
	return hasAnyPhrase(norm, directCheckoutPhrases)
}

// SizeOptions returns selectable size elements.
func (c *Classifier) SizeOptions(page *Page) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	page.Doc().Find(sizeSelector).Each(func(i int, sel *goquery.Selection) {
		text := elementText(sel)
		if text == "" || len(text) > maxSizeTextLen || sizeKey(text) == "" {
			return
		}
		if !inSizeContext(sel) || isHidden(sel) {
			return
		}
		key := sizeKey(text)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{
			Locator:    cssPath(sel),
			Text:       text,
			Role:       RoleSizeOption,
			InViewport: true,
			Available:  !sizeUnavailable(sel),
			Kind:       KindSize,
			Priority:   PriorityContextBound,
			order:      i,
		})
	})
	return out
}

func inSizeContext(sel *goquery.Selection) bool {
	hop := 0
	for n := sel; n.Length() > 0 && hop <= sizeContextHops; n = n.Parent() {
		if n.Get(0).Type != html.ElementNode {
			break
		}
		ctx := strings.ToLower(attrText(n) + " " + n.AttrOr("data-size", "") + " " + n.AttrOr("for", ""))
		if strings.Contains(ctx, "size") {
			return true
		}
		if _, ok := n.Attr("data-size"); ok {
			return true
		}
		hop++
	}
	return false
}

func sizeUnavailable(sel *goquery.Selection) bool {
	if isDisabled(sel) {
		return true
	}
	cls := strings.ToLower(sel.AttrOr("class", ""))
	for _, marker := range []string{"disabled", "unavailable", "sold-out", "soldout", "out-of-stock", "oos"} {
		if strings.Contains(cls, marker) {
			return true
		}
	}
	if id, ok := sel.Attr("for"); ok && id != "" {
		input := sel.Parents().Last().Find("#" + cssEscapeID(id))
		if input.Length() > 0 && isDisabled(input) {
			return true
		}
	}
	return false
}

// cssEscapeID keeps ids usable inside a #selector.
func cssEscapeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sizeKey reduces a size label to a comparable token ("US 10.5" -> "10.5").
func sizeKey(text string) string {
	var kept []string
	for _, tok := range tokenize(text) {
		switch tok {
		case "us", "uk", "eu", "size", "sz", "mens", "womens":
			continue
		}
		kept = append(kept, tok)
	}
	if len(kept) != 1 {
		if strings.Join(kept, " ") == "one size" {
			return "one size"
		}
		return ""
	}
	key := kept[0]
	if _, err := strconv.ParseFloat(key, 64); err == nil {
		return key
	}
	if letterIndex(key) >= 0 {
		return key
	}
	return ""
}

func letterIndex(key string) int {
	for i, s := range letterSizes {
		if s == key {
			return i
		}
	}
	return -1
}

// PickSize chooses the exact preferred size when available, else the
// nearest available size on the same scale. exact reports which happened.
func PickSize(options []Candidate, preferred string) (choice Candidate, exact bool, ok bool) {
	want := sizeKey(preferred)
	if want == "" {
		want = Normalize(preferred)
	}

	for _, o := range options {
		if o.Available && sizeKey(o.Text) == want {
			return o, true, true
		}
	}

	wantNum, numErr := strconv.ParseFloat(want, 64)
	wantLetter := letterIndex(want)
	bestDist := -1.0
	for _, o := range options {
		if !o.Available {
			continue
		}
		key := sizeKey(o.Text)
		var dist float64
		switch {
		case numErr == nil:
			v, err := strconv.ParseFloat(key, 64)
			if err != nil {
				continue
			}
			dist = v - wantNum
		case wantLetter >= 0:
			idx := letterIndex(key)
			if idx < 0 {
				continue
			}
			dist = float64(idx - wantLetter)
		default:
			continue
		}
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			choice = o
		}
	}
	return choice, false, bestDist >= 0
}

// ConsentBoxes returns unchecked terms/consent checkboxes.
func (c *Classifier) ConsentBoxes(page *Page) []Candidate {
	var out []Candidate
	doc := page.Doc()
	doc.Find("input[type=checkbox]").Each(func(i int, sel *goquery.Selection) {
		if _, checked := sel.Attr("checked"); checked || isDisabled(sel) {
			return
		}
		ident := attrText(sel)
		if id := sel.AttrOr("id", ""); id != "" {
			ident += " " + doc.Find("label[for='"+id+"']").Text()
		}
		ident += " " + sel.Closest("label").Text()
		norm := Normalize(ident)
		if !hasAnyPhrase(norm, consentPhrases) || hasAnyPhrase(norm, []string{"newsletter", "subscribe", "marketing", "offers"}) {
			return
		}
		out = append(out, Candidate{
			Locator:    cssPath(sel),
			Text:       collapseSpace(ident),
			Role:       RoleInput,
			InViewport: !isHidden(sel),
			Available:  true,
			Kind:       KindConsent,
			Priority:   PriorityGlobal,
			order:      i,
		})
	})
	return out
}

// Confirmed reports whether the page shows an order confirmation.
func (c *Classifier) Confirmed(page *Page) bool {
	url := strings.ToLower(page.URL)
	for _, m := range confirmationURLMarkers {
		if strings.Contains(url, m) {
			return true
		}
	}
	text := Normalize(page.Title + " " + page.BodyText())
	for _, phrase := range c.confirmation {
		if hasPhrase(text, phrase) {
			return true
		}
	}
	return false
}

// HasFormFields reports whether the page carries fillable inputs.
func HasFormFields(page *Page) bool {
	found := false
	page.Doc().Find("input, select, textarea").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		t := strings.ToLower(sel.AttrOr("type", "text"))
		if t == "hidden" || t == "submit" || t == "button" || isHidden(sel) {
			return true
		}
		found = true
		return false
	})
	return found
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra < rb
		}
		if a.Score.Value != b.Score.Value {
			return a.Score.Value > b.Score.Value
		}
		if a.InViewport != b.InViewport {
			return a.InViewport
		}
		return a.order < b.order
	})
}

func kindRank(k CTAKind) int {
	if k == KindProductLink {
		return 1
	}
	return 0
}
