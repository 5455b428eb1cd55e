package feed

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Parse failure taxonomy. Transport failures never reach a parser; these
// cover what a parser can say about bytes it was actually handed.
var (
	ErrUnparsable = errors.New("payload could not be parsed")
	ErrEmptyFeed  = errors.New("feed contains no items")
)

// Parser turns raw fetched bytes into canonical items. Implementations
// must be deterministic for identical input and must populate GUID from
// protocol-native stable identifiers.
type Parser interface {
	Name() string
	Parse(data []byte, sourceURL string) ([]Item, error)
}

// Registry is the startup-time map from parser identifier to
// implementation. Registration happens once during wiring; lookups after
// that are read-only and safe for concurrent use.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

func (r *Registry) Register(p Parser) {
	r.parsers[p.Name()] = p
}

func (r *Registry) Get(name string) (Parser, error) {
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", name)
	}
	return p, nil
}

func (r *Registry) Known(name string) bool {
	_, ok := r.parsers[name]
	return ok
}

// Names lists registered parser identifiers for the admin surface.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect picks a parser identifier from the response content type, falling
// back to sniffing the payload. Used during feed discovery; a feed's
// configured parser always wins over detection.
func (r *Registry) Detect(contentType string, data []byte) (string, bool) {
	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)

	switch ct {
	case "application/rss+xml", "application/atom+xml", "text/xml", "application/xml", "application/feed+json", "application/json+feed":
		return "rss", r.Known("rss")
	case "application/activity+json", "application/ld+json":
		return "activitypub", r.Known("activitypub")
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("<")):
		return "rss", r.Known("rss")
	case bytes.Contains(trimmed, []byte(`"@context"`)):
		return "activitypub", r.Known("activitypub")
	case bytes.HasPrefix(trimmed, []byte("{")):
		return "rss", r.Known("rss") // gofeed handles JSON Feed
	}

	return "", false
}
