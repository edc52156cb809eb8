// Package artifact builds types.Artifact values out of a parsed DOM. It is
// shared by every engine that ends up with a goquery document in hand: the
// Raw engine parses a fetched response directly, and the Headless engine
// hands over CDP-rendered markup for the same pipeline (spec.md §3's Engine
// Selector dispatches to either, but both produce an Artifact the same way).
package artifact

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/riptide/rgec/internal/types"
)

// articleSelectors are tried in order; the first that matches any element
// wins, whatever text it holds. This mirrors the "most specific container first" heuristic
// common to readability-style extractors.
var articleSelectors = []string{
	"article", "main", "[role=main]", "#content", ".content", "body",
}

// ArticleSelector returns the CSS selector that best delimits the main
// content of doc, falling back to the whole body.
func ArticleSelector(doc *goquery.Document) string {
	for _, sel := range articleSelectors {
		if doc.Find(sel).Length() > 0 {
			return sel
		}
	}
	return "body"
}

// Build extracts title, byline, text, and metadata from doc into an
// Artifact. Markdown is filled in separately by RenderMarkdown, since some
// callers (ModeMetadata) skip it entirely.
func Build(doc *goquery.Document, rawURL string, opts types.ExtractOptions) *types.Artifact {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}

	description, _ := doc.Find(`meta[name="description"]`).Attr("content")
	if description == "" {
		description, _ = doc.Find(`meta[property="og:description"]`).Attr("content")
	}

	siteName, _ := doc.Find(`meta[property="og:site_name"]`).Attr("content")
	byline := strings.TrimSpace(doc.Find(`meta[name="author"]`).AttrOr("content", ""))
	lang, _ := doc.Find("html").Attr("lang")

	sel := ArticleSelector(doc)
	text := strings.TrimSpace(doc.Find(sel).Text())
	words := len(strings.Fields(text))

	art := &types.Artifact{
		URL:             rawURL,
		Title:           title,
		Byline:          byline,
		Text:            text,
		Language:        lang,
		WordCount:       words,
		ReadingTimeSecs: (words / 200) * 60,
		SiteName:        siteName,
		Description:     description,
		QualityScore:    QualityScore(words, title),
	}

	if opts.Mode == types.ModeFull {
		art.Links = Links(doc)
		art.Media = Media(doc)
	}

	return art
}

// QualityScore is a cheap heuristic for how "article-like" a page is:
// having a title and a healthy word count both raise it, capped at 100.
func QualityScore(words int, title string) int {
	score := 0
	if title != "" {
		score += 20
	}
	switch {
	case words > 500:
		score += 80
	case words > 100:
		score += 50
	case words > 0:
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Links collects every anchor with a non-empty href.
func Links(doc *goquery.Document) []types.Link {
	var out []types.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" {
			return
		}
		out = append(out, types.Link{URL: href, Text: strings.TrimSpace(s.Text())})
	})
	return out
}

// Media collects every image with a non-empty src.
func Media(doc *goquery.Document) []types.Media {
	var out []types.Media
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		alt, _ := s.Attr("alt")
		out = append(out, types.Media{URL: src, Kind: "image", Alt: alt})
	})
	return out
}

// RenderMarkdown converts the main content selector's inner HTML to
// markdown. Returns "" on any conversion failure rather than erroring, since
// a missing Markdown field degrades gracefully for callers.
func RenderMarkdown(doc *goquery.Document) string {
	html, err := doc.Find(ArticleSelector(doc)).Html()
	if err != nil {
		return ""
	}
	out, err := md.ConvertString(html)
	if err != nil {
		return ""
	}
	return out
}
