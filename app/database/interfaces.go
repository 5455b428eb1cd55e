package database

import (
	"time"
)

type RelationshipRepository interface {
	GetByID(id string) (*Relationship, error)
	GetBySiteURL(siteURL string) (*Relationship, error)
	GetByRequestID(requestID string) (*Relationship, error)
	GetByInboundToken(token string) (*Relationship, error)
	List() ([]Relationship, error)
	GetCount() (int, error)

	Create(rel *Relationship) error
	UpdateRole(id string, from, to Role) error
	UpdateRequestID(id, requestID string) error
	StageRequest(id, requestID, secret string) error
	StageAcceptToken(id, token string) error
	ActivateFriend(id, inToken, outToken string) error
	UpdateOutToken(id, token string) error
	UpdateNotifyPrefs(id string, newPosts, keywords bool) error
	UpdateRetention(id string, maxAgeDays, maxCount int) error
	Delete(id string) error
}

type FeedRepository interface {
	GetByID(id string) (*Feed, error)
	GetByRelationship(relationshipID string) ([]Feed, error)
	GetActive() ([]Feed, error)
	GetCount() (int, error)

	Create(feed *Feed) error
	Update(feed *Feed) error
	UpdateRules(id string, ruleList []byte, catchAll string) error
	RepointURL(id, newURL string) error
	Delete(id string) error

	// TryStartPoll atomically claims the feed for polling. It succeeds when
	// no poll is in flight, or when a previous claim is older than
	// staleBefore (crashed worker). Exactly one concurrent caller wins.
	TryStartPoll(id string, now, staleBefore time.Time) (bool, error)
	FinishPoll(id string, success bool, errText string) error
}

type ItemRepository interface {
	// GetByGUID returns the stored item for the dedup key, including
	// trashed items and deleted-item tombstones.
	GetByGUID(feedID, guid string) (*Item, error)
	GetVisible(feedID string, limit int) ([]Item, error)
	GetStats(feedID string) (total, visible, trashed, deleted int, err error)

	Upsert(item *Item) error
	InsertTombstone(feedID, guid string) error
	SetStatusByGUID(feedID, guid, status string) error

	// PruneOlderThan and PruneBeyondCount never touch tombstones.
	PruneOlderThan(feedID string, cutoff time.Time) (int64, error)
	PruneBeyondCount(feedID string, keep int) (int64, error)

	GetItemsForExtraction(feedID string, limit int) ([]ItemForExtraction, error)
	UpdateExtractedContent(itemID, content, status string, extractedAt *time.Time, errMsg string) error
	UpdateExtractionStatus(itemID, status string, extractedAt *time.Time, errMsg string) error
}

type ItemForExtraction struct {
	ID   string
	Link string
}
