package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lysyi3m/friend-mesh/app/feed"
)

// Match kinds. The discriminator is explicit: a pattern is never sniffed
// to decide whether it is a regex.
const (
	MatchSubstring = "substring"
	MatchRegex     = "regex"
)

// Actions. Trash keeps the item in a hidden state, delete tombstones it,
// replace rewrites the matched field and accepts the result.
const (
	ActionAccept  = "accept"
	ActionTrash   = "trash"
	ActionDelete  = "delete"
	ActionReplace = "replace"
)

// Rule is one per-feed ordered predicate. Rules evaluate in declaration
// order; the first match wins.
type Rule struct {
	Field       string `json:"field" yaml:"field"`
	Match       string `json:"match" yaml:"match"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Action      string `json:"action" yaml:"action"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement"`
}

// Verdict is the outcome of evaluating an item against a rule list. For a
// replace verdict Item carries the rewritten content.
type Verdict struct {
	Action string
	Reason string
	Item   feed.Item
}

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate applies the rule list to the item in order and falls back to
// the catch-all action when nothing matches. Rules are evaluated fresh on
// every call, never cached, so config edits take effect immediately.
func (e *Engine) Evaluate(item feed.Item, ruleList []Rule, catchAll string) Verdict {
	for _, rule := range ruleList {
		value := fieldValue(item, rule.Field)

		matched, err := e.matches(value, rule)
		if err != nil {
			slog.Warn("Skipping rule with invalid pattern", "field", rule.Field, "pattern", rule.Pattern, "error", err)
			continue
		}
		if !matched {
			continue
		}

		if rule.Action == ActionReplace {
			item = e.replace(item, rule)
			return Verdict{
				Action: ActionAccept,
				Reason: fmt.Sprintf("Rewritten by %s rule: matches '%s'", rule.Field, rule.Pattern),
				Item:   item,
			}
		}

		return Verdict{
			Action: rule.Action,
			Reason: fmt.Sprintf("Matched %s rule: contains '%s'", rule.Field, rule.Pattern),
			Item:   item,
		}
	}

	if catchAll == "" {
		catchAll = ActionAccept
	}

	return Verdict{
		Action: catchAll,
		Reason: "No rule matched, catch-all applied",
		Item:   item,
	}
}

func (e *Engine) matches(value string, rule Rule) (bool, error) {
	switch rule.Match {
	case MatchRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	case MatchSubstring, "":
		return strings.Contains(strings.ToLower(value), strings.ToLower(rule.Pattern)), nil
	default:
		return false, fmt.Errorf("unknown match kind %q", rule.Match)
	}
}

func (e *Engine) replace(item feed.Item, rule Rule) feed.Item {
	rewrite := func(value string) string {
		if rule.Match == MatchRegex {
			re, err := regexp.Compile("(?i)" + rule.Pattern)
			if err != nil {
				return value
			}
			return re.ReplaceAllString(value, rule.Replacement)
		}
		return replaceFold(value, rule.Pattern, rule.Replacement)
	}

	switch rule.Field {
	case "title":
		item.Title = rewrite(item.Title)
	case "body":
		item.Body = rewrite(item.Body)
	case "author":
		item.Author = rewrite(item.Author)
	case "permalink":
		item.Permalink = rewrite(item.Permalink)
	}

	return item
}

func fieldValue(item feed.Item, field string) string {
	switch field {
	case "title":
		return item.Title
	case "body":
		return item.Body
	case "author":
		return item.Author
	case "permalink":
		return item.Permalink
	default:
		return ""
	}
}

// replaceFold substitutes every case-insensitive occurrence of pattern,
// preserving the untouched portions of the original value. The scan walks
// runes of the original string; lowercasing can change byte lengths, so
// offsets into a lowered copy must never index the original.
func replaceFold(value, pattern, replacement string) string {
	if pattern == "" {
		return value
	}

	patternRunes := []rune(pattern)

	var builder strings.Builder
	i := 0
	for i < len(value) {
		if consumed, ok := foldPrefixLen(value[i:], patternRunes); ok {
			builder.WriteString(replacement)
			i += consumed
			continue
		}
		_, size := utf8.DecodeRuneInString(value[i:])
		builder.WriteString(value[i : i+size])
		i += size
	}

	return builder.String()
}

// foldPrefixLen reports whether value begins with pattern under simple
// case folding, and how many bytes of value that prefix spans.
func foldPrefixLen(value string, pattern []rune) (int, bool) {
	consumed := 0
	for _, want := range pattern {
		r, size := utf8.DecodeRuneInString(value[consumed:])
		if size == 0 {
			return 0, false
		}
		if unicode.ToLower(r) != unicode.ToLower(want) {
			return 0, false
		}
		consumed += size
	}
	return consumed, true
}
