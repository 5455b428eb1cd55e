package feed

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidate is one feed endpoint found on a remote site.
type Candidate struct {
	URL    string
	Type   string
	Title  string
	Parser string
}

var feedLinkTypes = map[string]string{
	"application/rss+xml":       "rss",
	"application/atom+xml":      "rss",
	"application/feed+json":     "rss",
	"application/json":          "rss",
	"application/activity+json": "activitypub",
}

// DiscoverFeeds extracts feed candidates from a fetched HTML page by
// following the link-discovery convention (<link rel="alternate">). When
// the page yields nothing, conventional well-known paths are offered so
// the admin surface always has something to try.
func DiscoverFeeds(siteURL string, html []byte) ([]Candidate, error) {
	base, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid site URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}

	var candidates []Candidate
	seen := make(map[string]bool)

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, sel *goquery.Selection) {
		linkType := strings.ToLower(strings.TrimSpace(sel.AttrOr("type", "")))
		parserName, ok := feedLinkTypes[linkType]
		if !ok {
			return
		}

		href := sel.AttrOr("href", "")
		if href == "" {
			return
		}

		resolved, err := base.Parse(href)
		if err != nil {
			return
		}

		absolute := resolved.String()
		if seen[absolute] {
			return
		}
		seen[absolute] = true

		candidates = append(candidates, Candidate{
			URL:    absolute,
			Type:   linkType,
			Title:  sel.AttrOr("title", ""),
			Parser: parserName,
		})
	})

	if len(candidates) == 0 {
		for _, path := range []string{"/feed", "/feed/", "/rss.xml", "/atom.xml", "/index.xml"} {
			fallback, err := base.Parse(path)
			if err != nil {
				continue
			}
			candidates = append(candidates, Candidate{
				URL:    fallback.String(),
				Type:   "application/rss+xml",
				Parser: "rss",
			})
		}
	}

	return candidates, nil
}
