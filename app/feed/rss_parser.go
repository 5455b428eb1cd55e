package feed

import (
	"bytes"
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
)

// RSSParser adapts gofeed, which covers RSS 2.0, Atom and JSON Feed.
type RSSParser struct {
	gofeedParser *gofeed.Parser
}

func NewRSSParser() *RSSParser {
	return &RSSParser{
		gofeedParser: gofeed.NewParser(),
	}
}

func (p *RSSParser) Name() string {
	return "rss"
}

func (p *RSSParser) Parse(data []byte, sourceURL string) ([]Item, error) {
	parsed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}

	if len(parsed.Items) == 0 {
		return nil, ErrEmptyFeed
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		items = append(items, p.normalizeItem(entry))
	}

	return items, nil
}

func (p *RSSParser) normalizeItem(entry *gofeed.Item) Item {
	item := Item{
		GUID:       cmp.Or(entry.GUID, entry.Link),
		Title:      entry.Title,
		Body:       cmp.Or(entry.Content, entry.Description),
		Permalink:  entry.Link,
		PostFormat: PostFormatStandard,
		Author:     p.extractAuthor(entry),
	}

	if entry.PublishedParsed != nil {
		item.PublishedAt = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		item.PublishedAt = *entry.UpdatedParsed
	}

	if entry.UpdatedParsed != nil {
		item.UpdatedAt = entry.UpdatedParsed
	}

	for _, enclosure := range entry.Enclosures {
		if enclosure == nil || enclosure.URL == "" {
			continue
		}
		normalized := Enclosure{
			URL:  enclosure.URL,
			Type: enclosure.Type,
		}
		if enclosure.Length != "" {
			if length, err := strconv.ParseInt(enclosure.Length, 10, 64); err == nil {
				normalized.Length = length
			}
		}
		item.Enclosures = append(item.Enclosures, normalized)
		item.PostFormat = formatFromEnclosure(enclosure.Type, item.PostFormat)
	}

	if len(entry.Categories) > 0 {
		item.Raw = map[string]interface{}{"categories": entry.Categories}
	}

	return item
}

func (p *RSSParser) extractAuthor(entry *gofeed.Item) string {
	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		if name := strings.TrimSpace(entry.Authors[0].Name); name != "" {
			return name
		}
		return strings.TrimSpace(entry.Authors[0].Email)
	}
	if entry.Author != nil {
		if name := strings.TrimSpace(entry.Author.Name); name != "" {
			return name
		}
		return strings.TrimSpace(entry.Author.Email)
	}
	return ""
}

func formatFromEnclosure(mimeType, current string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return PostFormatImage
	case strings.HasPrefix(mimeType, "audio/"):
		return PostFormatAudio
	case strings.HasPrefix(mimeType, "video/"):
		return PostFormatVideo
	}
	return current
}
