package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/handshake"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/notify"
	"github.com/lysyi3m/friend-mesh/app/rules"
	"github.com/lysyi3m/friend-mesh/app/tasks"
)

func NewHandler(relRepo database.RelationshipRepository, feedRepo database.FeedRepository,
	itemRepo database.ItemRepository, registry *feed.Registry, fetcher *fetch.Fetcher,
	service *handshake.Service, ingester *ingest.Ingester,
	scheduler tasks.TaskSchedulerInterface) *Handler {
	return &Handler{
		relRepo:   relRepo,
		feedRepo:  feedRepo,
		itemRepo:  itemRepo,
		registry:  registry,
		fetcher:   fetcher,
		service:   service,
		ingester:  ingester,
		scheduler: scheduler,
	}
}

// PostFriendRequest is the peer-facing friend-request endpoint. Policy
// rejections are deliberately generic so a prober cannot learn whether a
// code word is configured.
func (h *Handler) PostFriendRequest(c *gin.Context) {
	var in handshake.FriendRequestIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	out, err := h.service.HandleFriendRequest(in)
	switch {
	case errors.Is(err, handshake.ErrIncomingDisabled), errors.Is(err, handshake.ErrBadCodeWord):
		slog.Info("Friend request rejected by policy", "site", in.SiteURL, "reason", err)
		c.JSON(http.StatusForbidden, gin.H{"error": "friend request not accepted"})
	case errors.Is(err, handshake.ErrAlreadyRelated):
		c.JSON(http.StatusConflict, gin.H{"error": "already related"})
	case err != nil:
		slog.Error("Friend request failed", "site", in.SiteURL, "error", err)
		c.Status(http.StatusInternalServerError)
	default:
		c.JSON(http.StatusOK, out)
	}
}

// PostFriendAccept is the peer-facing acceptance callback.
func (h *Handler) PostFriendAccept(c *gin.Context) {
	var in handshake.AcceptIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	err := h.service.HandleAccept(in)
	switch {
	case errors.Is(err, handshake.ErrUnknownRequest):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
	case errors.Is(err, handshake.ErrProofMismatch):
		slog.Warn("Acceptance rejected: proof mismatch", "request_id", in.RequestID)
		c.JSON(http.StatusForbidden, gin.H{"error": "proof mismatch"})
	case err != nil:
		slog.Error("Acceptance failed", "request_id", in.RequestID, "error", err)
		c.Status(http.StatusInternalServerError)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// PostInbox accepts pushed activities from an authenticated peer and
// feeds them into the same ingestion pipeline a poll would use.
func (h *Handler) PostInbox(c *gin.Context) {
	rel := h.authenticatePeer(c)
	if rel == nil {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	var activity inboxActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity payload"})
		return
	}

	feeds, err := h.feedRepo.GetByRelationship(rel.ID)
	if err != nil || len(feeds) == 0 {
		slog.Error("No feed for inbox push", "relationship", rel.ID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	target := feeds[0]

	switch activity.Type {
	case "Create", "Update", "Announce":
		parser, err := h.registry.Get("activitypub")
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}

		items, err := parser.Parse(body, rel.SiteURL)
		if err != nil {
			if errors.Is(err, feed.ErrEmptyFeed) {
				c.Status(http.StatusAccepted)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "unparsable activity"})
			return
		}

		prefs := notify.Prefs{NewPosts: rel.NotifyNewPosts, Keywords: rel.NotifyKeywords}
		if _, err := h.ingester.Run(c.Request.Context(), &target, prefs, items); err != nil {
			slog.Error("Inbox ingestion failed", "relationship", rel.ID, "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusAccepted)

	case "Delete", "Undo":
		guid := objectID(activity.Object)
		if guid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "activity has no object id"})
			return
		}
		if err := h.itemRepo.SetStatusByGUID(target.ID, guid, database.ItemStatusTrashed); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusAccepted)

	case "Move":
		newActor := activity.Target
		if newActor == "" {
			newActor = objectID(activity.Object)
		}
		if newActor == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "move activity has no target"})
			return
		}
		// The relationship survives; only the polling source moves.
		if err := h.feedRepo.RepointURL(target.ID, newActor); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		slog.Info("Feed repointed after Move activity", "relationship", rel.ID, "new_url", newActor)
		c.Status(http.StatusAccepted)

	default:
		c.Status(http.StatusAccepted) // unhandled activity types are acknowledged and dropped
	}
}

// authenticatePeer resolves the presented capability token to an active
// relationship. The bearer header is canonical; the auth query parameter
// is a deprecated compatibility fallback, accepted but never emitted.
func (h *Handler) authenticatePeer(c *gin.Context) *database.Relationship {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("auth")
	}

	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "capability token required"})
		return nil
	}

	rel, err := h.relRepo.GetByInboundToken(token)
	if err != nil {
		slog.Error("Token lookup failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return nil
	}
	if rel == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown capability token"})
		return nil
	}

	return rel
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if relCount, err := h.relRepo.GetCount(); err == nil {
		health["relationships"] = relCount
	}
	if feedCount, err := h.feedRepo.GetCount(); err == nil {
		health["feeds"] = feedCount
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListRelationships(c *gin.Context) {
	relationships, err := h.relRepo.List()
	if err != nil {
		slog.Error("Database error", "operation", "list_relationships", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(relationships))
	for _, rel := range relationships {
		out = append(out, map[string]interface{}{
			"id":               rel.ID,
			"site_url":         rel.SiteURL,
			"role":             rel.Role,
			"notify_new_posts": rel.NotifyNewPosts,
			"notify_keywords":  rel.NotifyKeywords,
			"created_at":       rel.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"relationships": out})
}

// APISendFriendRequest initiates an outbound handshake.
func (h *Handler) APISendFriendRequest(c *gin.Context) {
	var in friendRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	rel, err := h.service.SendFriendRequest(c.Request.Context(), in.SiteURL, in.CodeWord)
	if err != nil {
		if errors.Is(err, handshake.ErrAlreadyRelated) {
			c.JSON(http.StatusConflict, gin.H{"error": "already related"})
			return
		}
		slog.Error("Failed to send friend request", "site", in.SiteURL, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": rel.ID, "role": rel.Role, "request_id": rel.RequestID})
}

func (h *Handler) APIAcceptFriendRequest(c *gin.Context) {
	err := h.service.Accept(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, handshake.ErrUnknownRequest):
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending incoming request"})
	case err != nil:
		slog.Error("Failed to accept friend request", "relationship", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *Handler) APIRejectFriendRequest(c *gin.Context) {
	err := h.service.Reject(c.Param("id"))
	switch {
	case errors.Is(err, handshake.ErrUnknownRequest):
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending request"})
	case err != nil:
		c.Status(http.StatusInternalServerError)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// APIRemoveRelationship unfriends: cached items and feeds go with it.
func (h *Handler) APIRemoveRelationship(c *gin.Context) {
	if err := h.service.Remove(c.Param("id")); err != nil {
		slog.Error("Failed to remove relationship", "relationship", c.Param("id"), "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// APISubscribe creates a one-way subscription: no tokens, just polling.
// The human-entered URL goes through feed discovery first.
func (h *Handler) APISubscribe(c *gin.Context) {
	var in subscribeRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	feedURL := in.URL
	parserName := "rss"

	result, err := h.fetcher.FetchPage(c.Request.Context(), in.URL)
	if err == nil {
		if name, ok := h.registry.Detect(result.ContentType, result.Body); ok {
			// The URL already is a feed.
			parserName = name
		} else if candidates, err := feed.DiscoverFeeds(in.URL, result.Body); err == nil && len(candidates) > 0 {
			feedURL = candidates[0].URL
			parserName = candidates[0].Parser
		}
	}

	rel, err := h.relRepo.GetBySiteURL(in.URL)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if rel != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "already related"})
		return
	}

	rel = &database.Relationship{
		SiteURL:        in.URL,
		Role:           database.RoleSubscription,
		NotifyNewPosts: true,
		NotifyKeywords: true,
	}
	if err := h.relRepo.Create(rel); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	newFeed := &database.Feed{
		RelationshipID: rel.ID,
		URL:            feedURL,
		Parser:         parserName,
		PostFormat:     "standard",
		Active:         true,
	}
	if err := h.feedRepo.Create(newFeed); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": rel.ID, "feed_id": newFeed.ID, "feed_url": feedURL, "parser": parserName})
}

// APIUpdateNotifyPrefs sets the per-relationship notification switches.
func (h *Handler) APIUpdateNotifyPrefs(c *gin.Context) {
	var in updateNotifyRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if err := h.relRepo.UpdateNotifyPrefs(c.Param("id"), *in.NewPosts, *in.Keywords); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// APIUpdateRetention sets the per-relationship retention overrides. Zero
// clears an override; the effective limit is still capped by the global
// default.
func (h *Handler) APIUpdateRetention(c *gin.Context) {
	var in updateRetentionRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if in.MaxAgeDays < 0 || in.MaxCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retention limits must not be negative"})
		return
	}

	if err := h.relRepo.UpdateRetention(c.Param("id"), in.MaxAgeDays, in.MaxCount); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	feeds, err := h.feedRepo.GetByRelationship(c.Param("id"))
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(feeds))
	for _, f := range feeds {
		entry := map[string]interface{}{
			"id":            f.ID,
			"url":           f.URL,
			"parser":        f.Parser,
			"active":        f.Active,
			"poll_interval": f.PollInterval,
			"failure_count": f.FailureCount,
			"last_error":    f.LastError,
		}
		if f.LastPolledAt != nil {
			entry["last_polled_at"] = f.LastPolledAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{"feeds": out})
}

func (h *Handler) APIListItems(c *gin.Context) {
	items, err := h.itemRepo.GetVisible(c.Param("id"), 100)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"guid":         item.GUID,
			"title":        item.Title,
			"author":       item.Author,
			"permalink":    item.Permalink,
			"published_at": item.PublishedAt.Format(time.RFC3339),
			"post_format":  item.PostFormat,
		})
	}

	c.JSON(http.StatusOK, gin.H{"items": out})
}

// APIUpdateRules replaces a feed's rule list. Rules take effect on the
// next ingestion; nothing is cached.
func (h *Handler) APIUpdateRules(c *gin.Context) {
	f, err := h.feedRepo.GetByID(c.Param("id"))
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	var in updateRulesRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	ruleList := make([]rules.Rule, 0, len(in.Rules))
	for _, entry := range in.Rules {
		ruleList = append(ruleList, rules.Rule{
			Field:       entry.Field,
			Match:       entry.Match,
			Pattern:     entry.Pattern,
			Action:      entry.Action,
			Replacement: entry.Replacement,
		})
	}

	encoded, err := json.Marshal(ruleList)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	if err := h.feedRepo.UpdateRules(f.ID, encoded, in.CatchAll); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "rules": len(ruleList)})
}

// APIRefreshFeed triggers an immediate poll, bypassing the interval.
func (h *Handler) APIRefreshFeed(c *gin.Context) {
	f, err := h.feedRepo.GetByID(c.Param("id"))
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}

	task := tasks.NewPollFeedTask(*f, h.relRepo, h.feedRepo, h.fetcher, h.registry, h.ingester)
	if err := h.scheduler.EnqueueTask(task); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue is full"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) APIListParsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"parsers": h.registry.Names()})
}

func objectID(object interface{}) string {
	switch value := object.(type) {
	case string:
		return value
	case map[string]interface{}:
		if id, ok := value["id"].(string); ok {
			return id
		}
	}
	return ""
}
