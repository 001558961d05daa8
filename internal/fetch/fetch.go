// Package fetch provides the default Fetcher/Extractor implementation:
// plain HTTP retrieval, goquery-based HTML cleaning and outlink
// extraction, and a PDF text-extraction special case.
//
// goquery handles HTML parsing/cleaning; github.com/ledongthuc/pdf handles
// PDF text extraction.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/antigravity-dev/prospect/internal/research"
)

// HTTPFetcher is the default Fetcher: a plain HTTP GET with a bounded
// timeout and a research-appropriate User-Agent.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch implements research.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (research.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return research.FetchResult{}, fmt.Errorf("fetch: building request: %w", err)
	}
	req.Header.Set("User-Agent", "prospect-research-agent/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return research.FetchResult{}, fmt.Errorf("fetch: requesting %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return research.FetchResult{}, fmt.Errorf("fetch: %s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20)) // 20MB cap
	if err != nil {
		return research.FetchResult{}, fmt.Errorf("fetch: reading body of %s: %w", rawURL, err)
	}

	return research.FetchResult{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		Raw:         body,
	}, nil
}

// HTMLExtractor turns fetched bytes into cleaned text and outlinks. It
// special-cases PDF bodies; everything else is treated as HTML.
type HTMLExtractor struct {
	// EntityExtractor is invoked with the cleaned text to find entity
	// mentions. No vendor LLM call is wired into this package, and
	// internal/worker uses the entities Extract returns as they are; this
	// hook exists so a caller can plug an extraction step in without
	// changing the Extract signature's return shape.
	EntityExtractor func(ctx context.Context, text, sourceURL string) ([]research.ExtractedEntity, error)
}

// NewHTMLExtractor returns an Extractor. entityExtractor may be nil, in
// which case Extract returns text and links only (no entity mentions).
func NewHTMLExtractor(entityExtractor func(ctx context.Context, text, sourceURL string) ([]research.ExtractedEntity, error)) *HTMLExtractor {
	return &HTMLExtractor{EntityExtractor: entityExtractor}
}

// Extract implements research.Extractor.
func (e *HTMLExtractor) Extract(ctx context.Context, fetched research.FetchResult) (research.ExtractedPage, error) {
	var text string
	var links []string

	if strings.Contains(strings.ToLower(fetched.ContentType), "pdf") || looksLikePDF(fetched.Raw) {
		extractedText, err := extractPDFText(fetched.Raw)
		if err != nil {
			return research.ExtractedPage{}, fmt.Errorf("fetch: extracting pdf text from %s: %w", fetched.URL, err)
		}
		text = extractedText
	} else {
		cleaned, foundLinks, err := extractHTML(fetched.URL, fetched.Raw)
		if err != nil {
			return research.ExtractedPage{}, fmt.Errorf("fetch: extracting html from %s: %w", fetched.URL, err)
		}
		text = cleaned
		links = foundLinks
	}

	var entities []research.ExtractedEntity
	if e.EntityExtractor != nil && strings.TrimSpace(text) != "" {
		found, err := e.EntityExtractor(ctx, text, fetched.URL)
		if err != nil {
			return research.ExtractedPage{}, fmt.Errorf("fetch: extracting entities from %s: %w", fetched.URL, err)
		}
		entities = found
	}

	return research.ExtractedPage{Text: text, Entities: entities, Links: links}, nil
}

func looksLikePDF(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte("%PDF-"))
}

// extractHTML strips boilerplate (script/style/nav/footer/header) and walks
// <a href> for outlinks, resolving relative URLs against base.
func extractHTML(base string, raw []byte) (text string, links []string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("parsing html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, noscript").Remove()

	text = strings.TrimSpace(doc.Find("body").Text())

	baseURL, parseErr := url.Parse(base)
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved := href
		if parseErr == nil {
			if u, err := url.Parse(href); err == nil {
				resolved = baseURL.ResolveReference(u).String()
			}
		}
		if !strings.HasPrefix(resolved, "http://") && !strings.HasPrefix(resolved, "https://") {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	return text, links, nil
}

// extractPDFText extracts plain text from a PDF body using
// github.com/ledongthuc/pdf, page by page.
func extractPDFText(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("opening pdf reader: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

var (
	_ research.Fetcher   = (*HTTPFetcher)(nil)
	_ research.Extractor = (*HTMLExtractor)(nil)
)
