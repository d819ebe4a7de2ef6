package main

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Page is one observation of the browser tab: URL, title and parsed DOM.
// Snapshots are read-only and discarded after the cycle that produced them.
type Page struct {
	URL   string
	Title string
	doc   *goquery.Document
}

// NewPage parses a serialized DOM.
func NewPage(url, rawHTML string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}
	return &Page{
		URL:   url,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		doc:   doc,
	}, nil
}

// Doc exposes the parsed document.
func (p *Page) Doc() *goquery.Document {
	return p.doc
}

// BodyText returns the visible-ish text of the body, whitespace collapsed.
func (p *Page) BodyText() string {
	body := p.doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return collapseSpace(body.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// elementText is the label a user would read for an element: its text, or
// its value / aria-label / title when it has none.
func elementText(sel *goquery.Selection) string {
	if text := collapseSpace(sel.Text()); text != "" {
		return text
	}
	for _, attr := range []string{"value", "aria-label", "title", "alt"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return collapseSpace(v)
		}
	}
	return ""
}

// cssPath builds a structural selector (tag:nth-child chain) that the probe
// can resolve in the live page.
func cssPath(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var parts []string
	for n := sel.Get(0); n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			parts = append(parts, "html")
			break
		}
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// isHidden reports whether markup hides the element or one of its ancestors.
// Layout-level visibility is re-checked by the probe before any click.
func isHidden(sel *goquery.Selection) bool {
	for n := sel; n.Length() > 0; n = n.Parent() {
		node := n.Get(0)
		if node.Type != html.ElementNode {
			break
		}
		if _, ok := n.Attr("hidden"); ok {
			return true
		}
		if v, _ := n.Attr("aria-hidden"); v == "true" {
			return true
		}
		if v, _ := n.Attr("type"); node.Data == "input" && strings.EqualFold(v, "hidden") {
			return true
		}
		style := strings.ToLower(strings.ReplaceAll(n.AttrOr("style", ""), " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func isDisabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	if v, _ := sel.Attr("aria-disabled"); v == "true" {
		return true
	}
	return false
}

// attrText joins the descriptive attributes of an element for phrase tests.
func attrText(sel *goquery.Selection) string {
	var parts []string
	for _, attr := range []string{"id", "class", "name", "aria-label", "title", "href", "data-testid", "data-test", "data-qa"} {
		if v, ok := sel.Attr(attr); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// domDepthBetween counts parent hops from descendant up to ancestor, or -1.
func domDepthBetween(ancestor, descendant *html.Node) int {
	depth := 0
	for n := descendant; n != nil; n = n.Parent {
		if n == ancestor {
			return depth
		}
		depth++
	}
	return -1
}
