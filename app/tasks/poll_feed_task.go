package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/notify"
)

// PollFeedTask is one feed's fetch+parse+ingest cycle. It is an
// independent unit of work: any failure is recorded against the feed and
// drives its backoff, but never aborts other feeds.
type PollFeedTask struct {
	Task
	Feed     database.Feed
	relRepo  database.RelationshipRepository
	feedRepo database.FeedRepository
	fetcher  *fetch.Fetcher
	registry *feed.Registry
	ingester *ingest.Ingester
}

func NewPollFeedTask(f database.Feed, relRepo database.RelationshipRepository,
	feedRepo database.FeedRepository, fetcher *fetch.Fetcher, registry *feed.Registry,
	ingester *ingest.Ingester) *PollFeedTask {
	return &PollFeedTask{
		Task:     NewTask(TaskTypePollFeed, f.ID),
		Feed:     f,
		relRepo:  relRepo,
		feedRepo: feedRepo,
		fetcher:  fetcher,
		registry: registry,
		ingester: ingester,
	}
}

func (t *PollFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := time.Now().UTC()
	claimed, err := t.feedRepo.TryStartPoll(t.Feed.ID, now, now.Add(-PollStaleness))
	if err != nil {
		return fmt.Errorf("failed to claim feed: %w", err)
	}
	if !claimed {
		slog.Debug("Feed already being polled, skipping", "feed", t.Feed.ID)
		return nil
	}

	stats, err := t.poll(ctx)
	if err != nil {
		if finishErr := t.feedRepo.FinishPoll(t.Feed.ID, false, err.Error()); finishErr != nil {
			slog.Error("Failed to record poll failure", "feed", t.Feed.ID, "error", finishErr)
		}
		return fmt.Errorf("failed to poll feed %s: %w", t.Feed.ID, err)
	}

	if err := t.feedRepo.FinishPoll(t.Feed.ID, true, ""); err != nil {
		return fmt.Errorf("failed to record poll success: %w", err)
	}

	slog.Info("Task completed",
		"type", "PollFeed",
		"feed", t.Feed.ID,
		"duration", t.GetDuration(),
		"new", stats.New,
		"updated", stats.Updated,
		"duplicates", stats.Duplicates,
		"trashed", stats.Trashed,
		"deleted", stats.Deleted)

	return nil
}

func (t *PollFeedTask) poll(ctx context.Context) (ingest.Stats, error) {
	rel, err := t.relRepo.GetByID(t.Feed.RelationshipID)
	if err != nil {
		return ingest.Stats{}, err
	}
	if rel == nil {
		return ingest.Stats{}, fmt.Errorf("relationship %s not found", t.Feed.RelationshipID)
	}

	result, err := t.fetcher.FetchFeed(ctx, t.Feed.URL, rel.OutToken)
	if err != nil {
		return ingest.Stats{}, err
	}

	parser, err := t.registry.Get(t.Feed.Parser)
	if err != nil {
		// The configured parser is unknown; fall back to detection so a
		// stale config degrades instead of wedging the feed.
		name, ok := t.registry.Detect(result.ContentType, result.Body)
		if !ok {
			return ingest.Stats{}, err
		}
		parser, _ = t.registry.Get(name)
	}

	items, err := parser.Parse(result.Body, t.Feed.URL)
	if err != nil {
		if errors.Is(err, feed.ErrEmptyFeed) {
			return ingest.Stats{}, nil
		}
		return ingest.Stats{}, err
	}

	prefs := notify.Prefs{NewPosts: rel.NotifyNewPosts, Keywords: rel.NotifyKeywords}

	return t.ingester.Run(ctx, &t.Feed, prefs, items)
}
