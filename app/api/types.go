package api

import (
	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/handshake"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/tasks"
)

type Handler struct {
	relRepo   database.RelationshipRepository
	feedRepo  database.FeedRepository
	itemRepo  database.ItemRepository
	registry  *feed.Registry
	fetcher   *fetch.Fetcher
	service   *handshake.Service
	ingester  *ingest.Ingester
	scheduler tasks.TaskSchedulerInterface
}

type subscribeRequest struct {
	URL string `json:"url" binding:"required"`
}

type friendRequest struct {
	SiteURL  string `json:"site_url" binding:"required"`
	CodeWord string `json:"code_word"`
}

type updateNotifyRequest struct {
	NewPosts *bool `json:"new_posts" binding:"required"`
	Keywords *bool `json:"keywords" binding:"required"`
}

type updateRetentionRequest struct {
	MaxAgeDays int `json:"max_age_days"`
	MaxCount   int `json:"max_count"`
}

type updateRulesRequest struct {
	Rules    []ruleEntry `json:"rules"`
	CatchAll string      `json:"catch_all"`
}

type ruleEntry struct {
	Field       string `json:"field" binding:"required"`
	Match       string `json:"match"`
	Pattern     string `json:"pattern" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Replacement string `json:"replacement"`
}

// inboxActivity is the minimal envelope needed to route an incoming
// ActivityPub push; full object translation happens in the parser.
type inboxActivity struct {
	Type   string      `json:"type"`
	Object interface{} `json:"object"`
	Target string      `json:"target"`
}
