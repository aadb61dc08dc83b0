package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// semanticContainers are the elements whose links are considered customer facing
const semanticContainers = "nav, header, main, article, section, aside, footer"

// ExtractLinks returns the absolute URLs of visible, followable anchors inside the
// page's semantic containers, in document order without duplicates. Pages with no
// semantic containers fall back to every anchor in the body.
func ExtractLinks(baseURL string, body []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	// <base href> changes how relative links resolve
	if href, ok := doc.Find("head base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	containers := doc.Find(semanticContainers)
	if containers.Length() == 0 {
		containers = doc.Find("body")
	}

	seen := make(map[string]bool)
	var links []string

	// One pass in document order; nested containers must not repeat an anchor
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if !insideAny(s, containers) {
			return
		}
		if isNoFollow(s) || isElementHidden(s) {
			return
		}

		link, ok := resolveHref(base, s.AttrOr("href", ""))
		if !ok || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})

	return links, nil
}

func insideAny(s *goquery.Selection, containers *goquery.Selection) bool {
	for _, node := range containers.Nodes {
		for n := s.Get(0).Parent; n != nil; n = n.Parent {
			if n == node {
				return true
			}
		}
	}
	return false
}

func isNoFollow(s *goquery.Selection) bool {
	rel, ok := s.Attr("rel")
	if !ok {
		return false
	}
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "nofollow" {
			return true
		}
	}
	return false
}

// resolveHref turns an href into an absolute http(s) URL without its fragment
func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String(), true
}

// isElementHidden checks if an element is hidden based on common inline styles,
// accessibility attributes, and conventional CSS classes.
// Stylesheets are not evaluated.
func isElementHidden(s *goquery.Selection) bool {
	hidingClasses := []string{
		"hide",
		"hidden",
		"display-none",
		"d-none",
		"invisible",
		"is-hidden",
		"sr-only",
		"visually-hidden",
	}

	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if _, exists := n.Attr("hidden"); exists {
			return true
		}
		if _, exists := n.Attr("data-hidden"); exists {
			return true
		}
		if val, exists := n.Attr("aria-hidden"); exists && val == "true" {
			return true
		}
		if style, exists := n.Attr("style"); exists {
			compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return true
			}
		}
		for _, class := range hidingClasses {
			if n.HasClass(class) {
				return true
			}
		}
	}

	return false
}
