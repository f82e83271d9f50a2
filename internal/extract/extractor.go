// Package extract turns fetched HTML into ingestible text fragments and
// outbound links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/kb-ingester/internal/crawler"
)

const (
	fragmentSelector = "h1, h2, h3, h4, h5, h6, p"
	excludedRegions  = "nav, footer, aside"
	linkSelector     = "a[href], area[href]"
)

// HTMLExtractor implements crawler.Extractor with goquery.
type HTMLExtractor struct{}

// New returns an HTMLExtractor.
func New() *HTMLExtractor {
	return &HTMLExtractor{}
}

var _ crawler.Extractor = (*HTMLExtractor)(nil)

// Extract returns heading and paragraph text in document order, skipping any
// element that sits inside a nav, footer or aside region, together with the
// page's absolute http(s) links.
func (e *HTMLExtractor) Extract(pageURL string, body []byte) (crawler.Extraction, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	base = documentBase(doc, base)

	return crawler.Extraction{
		Fragments: fragments(doc),
		Links:     links(doc, base),
	}, nil
}

func fragments(doc *goquery.Document) []string {
	var out []string
	doc.Find(fragmentSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(excludedRegions).Length() > 0 {
			return
		}
		text := normalizeSpace(s.Text())
		if text == "" {
			return
		}
		out = append(out, text)
	})
	return out
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find(linkSelector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if abs.Host == "" {
			return
		}
		abs.Fragment = ""
		abs.RawFragment = ""
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

// documentBase honors <base href> when it resolves to an absolute URL.
func documentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	return pageURL.ResolveReference(ref)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
