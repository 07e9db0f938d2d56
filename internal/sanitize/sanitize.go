// Package sanitize strips markup from text that bibliographic sources embed in
// titles and abstracts (HTML emphasis, MathML, JATS elements, entities).
package sanitize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blockElements get a separating space so adjacent paragraphs do not run together.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"jats:p": true, "jats:title": true, "jats:sec": true,
	"title": true, "sec": true,
}

// Text returns s without markup, with entities decoded and whitespace collapsed.
// Input that cannot be parsed is returned whitespace-collapsed.
func Text(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapse(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return collapse(s)
	}

	body := doc.Find("body")
	body.Find("script, style").Remove()
	body.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if blockElements[goquery.NodeName(sel)] {
			sel.AfterHtml(" ")
		}
	})
	return collapse(body.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
