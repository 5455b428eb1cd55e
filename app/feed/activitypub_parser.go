package feed

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"
)

// APParser translates ActivityPub payloads into canonical items. It
// accepts a single activity, a bare object, or an outbox
// OrderedCollection/OrderedCollectionPage, and handles the activity types
// that carry content: Create, Update and Announce. Actor resolution and
// signature verification happen upstream in the bridge collaborator; by
// the time bytes reach this parser they are trusted.
type APParser struct{}

func NewAPParser() *APParser {
	return &APParser{}
}

func (p *APParser) Name() string {
	return "activitypub"
}

type apActivity struct {
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	Actor        string            `json:"actor"`
	Object       json.RawMessage   `json:"object"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
	First        json.RawMessage   `json:"first"`
}

type apObject struct {
	Type         string         `json:"type"`
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Content      string         `json:"content"`
	Summary      string         `json:"summary"`
	URL          string         `json:"url"`
	AttributedTo string         `json:"attributedTo"`
	Published    string         `json:"published"`
	Updated      string         `json:"updated"`
	InReplyTo    string         `json:"inReplyTo"`
	Attachment   []apAttachment `json:"attachment"`
}

type apAttachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (p *APParser) Parse(data []byte, sourceURL string) ([]Item, error) {
	var activity apActivity
	if err := json.Unmarshal(data, &activity); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}

	var items []Item

	switch activity.Type {
	case "OrderedCollection", "OrderedCollectionPage", "Collection", "CollectionPage":
		if len(activity.OrderedItems) == 0 {
			return nil, ErrEmptyFeed
		}
		for _, raw := range activity.OrderedItems {
			item, ok, err := p.translateActivity(raw)
			if err != nil {
				return nil, err
			}
			if ok {
				items = append(items, item)
			}
		}
	default:
		item, ok, err := p.translateActivity(data)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return nil, ErrEmptyFeed
	}

	return items, nil
}

func (p *APParser) translateActivity(raw json.RawMessage) (Item, bool, error) {
	var activity apActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return Item{}, false, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}

	switch activity.Type {
	case "Create", "Update", "Announce":
		if len(activity.Object) == 0 {
			return Item{}, false, nil
		}
		return p.translateObject(activity.Object, activity.Actor)
	case "Note", "Article", "Page":
		// Bare object without a wrapping activity.
		return p.translateObject(raw, "")
	}

	return Item{}, false, nil
}

func (p *APParser) translateObject(raw json.RawMessage, actor string) (Item, bool, error) {
	var object apObject

	// An Announce may carry the object as a bare IRI; nothing to ingest
	// without a fetch, so skip it rather than fail the batch.
	var iri string
	if err := json.Unmarshal(raw, &iri); err == nil {
		return Item{}, false, nil
	}

	if err := json.Unmarshal(raw, &object); err != nil {
		return Item{}, false, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}

	if object.ID == "" {
		return Item{}, false, nil
	}

	item := Item{
		GUID:       object.ID,
		Title:      object.Name,
		Body:       cmp.Or(object.Content, object.Summary),
		Author:     cmp.Or(object.AttributedTo, actor),
		Permalink:  cmp.Or(object.URL, object.ID),
		InReplyTo:  object.InReplyTo,
		PostFormat: apPostFormat(object),
		Raw:        map[string]interface{}{"object_type": object.Type},
	}

	if ts, err := time.Parse(time.RFC3339, object.Published); err == nil {
		item.PublishedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, object.Updated); err == nil {
		item.UpdatedAt = &ts
	}

	for _, attachment := range object.Attachment {
		if attachment.URL == "" {
			continue
		}
		item.Enclosures = append(item.Enclosures, Enclosure{
			URL:  attachment.URL,
			Type: attachment.MediaType,
		})
	}

	return item, true, nil
}

// apPostFormat maps object shape to a post format: untitled notes are
// status posts, attachments shift the format to their media type.
func apPostFormat(object apObject) string {
	for _, attachment := range object.Attachment {
		if format := formatFromEnclosure(attachment.MediaType, ""); format != "" {
			return format
		}
	}
	if object.Type == "Note" && object.Name == "" {
		return PostFormatStatus
	}
	return PostFormatStandard
}
