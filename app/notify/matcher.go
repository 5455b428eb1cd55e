package notify

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/lysyi3m/friend-mesh/app/feed"
)

// Notification classes. Keyword takes precedence over new-post; the two
// are mutually exclusive for a single item.
const (
	ClassNone    = "none"
	ClassNewPost = "new_post"
	ClassKeyword = "keyword"
)

// Prefs carries the owner's per-relationship notification switches.
type Prefs struct {
	NewPosts bool
	Keywords bool
}

// Decision is what the matcher produces; actual delivery belongs to the
// notification collaborator.
type Decision struct {
	Class   string
	Keyword string
	Reason  string
}

type Matcher struct {
	globalNewPosts bool
	keywords       []string
	folder         cases.Caser
}

func NewMatcher(globalNewPosts bool, keywords []string) *Matcher {
	folder := cases.Fold()
	folded := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" {
			continue
		}
		folded = append(folded, folder.String(keyword))
	}

	return &Matcher{
		globalNewPosts: globalNewPosts,
		keywords:       folded,
		folder:         cases.Fold(),
	}
}

// Decide classifies a newly stored visible item. The global new-post
// switch suppresses everything, keywords included; the per-relationship
// new-post switch suppresses only the new-post class. Keyword matching is
// case-folded substring over title and body.
func (m *Matcher) Decide(item feed.Item, prefs Prefs) Decision {
	if !m.globalNewPosts {
		return Decision{Class: ClassNone, Reason: "new-post notifications disabled globally"}
	}

	if prefs.Keywords && len(m.keywords) > 0 {
		haystack := m.folder.String(item.Title + " " + item.Body)
		for _, keyword := range m.keywords {
			if strings.Contains(haystack, keyword) {
				return Decision{
					Class:   ClassKeyword,
					Keyword: keyword,
					Reason:  fmt.Sprintf("matched keyword %q", keyword),
				}
			}
		}
	}

	if !prefs.NewPosts {
		return Decision{Class: ClassNone, Reason: "new-post notifications disabled for this relationship"}
	}

	return Decision{Class: ClassNewPost, Reason: "new post stored"}
}
