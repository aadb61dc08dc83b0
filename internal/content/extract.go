// Package content turns fetched HTML into plain text and the metrics stored per page.
package content

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// strippedElements never contribute text
const strippedElements = "script, style, noscript, template, svg, iframe, object, embed"

// BoilerplatePhrases are removed from extracted text wherever they appear
var BoilerplatePhrases = []string{
	"click here",
	"read more",
	"learn more",
	"privacy policy",
	"cookie policy",
	"terms of service",
	"terms and conditions",
	"accept all cookies",
	"accept cookies",
	"all rights reserved",
	"skip to main content",
	"skip to content",
	"back to top",
}

var (
	boilerplateRe = buildBoilerplateRe(BoilerplatePhrases)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

func buildBoilerplateRe(phrases []string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// blockElements get a separator so adjacent blocks do not run together
var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true, "br": true, "tr": true,
	"td": true, "th": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "section": true, "article": true, "header": true, "footer": true,
	"nav": true, "main": true, "aside": true, "blockquote": true, "pre": true, "table": true,
}

// ExtractText strips non-content elements and boilerplate phrases from an HTML
// document and returns whitespace-normalised plain text
func ExtractText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find(strippedElements).Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	for _, n := range root.Nodes {
		writeText(&b, n)
	}

	text := boilerplateRe.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " ")), nil
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}

	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}
