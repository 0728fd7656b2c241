// Package extract pulls structured fields out of fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

// FromHTML parses body and extracts the fields requested by the job options.
// When a selector is present, text and HTML extraction are scoped to its
// matches; everything else operates on the whole document.
func FromHTML(pageURL string, body []byte, selector string, opts scraping.JobOptions) (map[string]any, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	data := map[string]any{
		"title": title,
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		data["meta_description"] = desc
	}

	if opts.ExtractText {
		data["content"] = extractText(doc, selector)
	}
	if opts.ExtractHTML {
		html, err := extractHTML(doc, selector)
		if err != nil {
			return nil, "", err
		}
		data["html"] = html
	}
	if opts.ExtractHeadings {
		data["headings"] = extractHeadings(doc)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse page url: %w", err)
	}
	if opts.ExtractLinks {
		data["links"] = attrURLs(doc, base, "a[href]", "href")
	}
	if opts.ExtractImages {
		data["images"] = attrURLs(doc, base, "img[src]", "src")
	}

	return data, title, nil
}

func extractText(doc *goquery.Document, selector string) string {
	if selector != "" {
		var parts []string
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return strings.TrimSpace(doc.Find("body").Text())
}

func extractHTML(doc *goquery.Document, selector string) (string, error) {
	if selector != "" {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			html, err := goquery.OuterHtml(sel)
			if err != nil {
				return "", fmt.Errorf("render selection html: %w", err)
			}
			return html, nil
		}
	}
	html, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render document html: %w", err)
	}
	return html, nil
}

func extractHeadings(doc *goquery.Document) map[string][]string {
	headings := make(map[string][]string, 6)
	for level := 1; level <= 6; level++ {
		tag := fmt.Sprintf("h%d", level)
		var texts []string
		doc.Find(tag).Each(func(_ int, sel *goquery.Selection) {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				texts = append(texts, text)
			}
		})
		if len(texts) > 0 {
			headings[tag] = texts
		}
	}
	return headings
}

// attrURLs collects attribute values resolved against the page URL,
// deduplicated in first-seen order.
func attrURLs(doc *goquery.Document, base *url.URL, selector, attr string) []string {
	seen := make(map[string]struct{})
	urls := []string{}
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		raw, ok := sel.Attr(attr)
		if !ok {
			return
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "data:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref).String()
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		urls = append(urls, resolved)
	})
	return urls
}
