package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/notify"
	"github.com/lysyi3m/friend-mesh/app/rules"
)

// Stats summarizes one ingestion batch.
type Stats struct {
	New        int
	Updated    int
	Duplicates int
	Trashed    int
	Deleted    int
	Notified   int
}

// Ingester runs canonical items through dedup, rule evaluation, storage
// and the notification matcher. Re-ingesting an unchanged batch is a
// no-op; an edited item updates in place; a delete-ruled item leaves a
// tombstone behind and never comes back.
type Ingester struct {
	itemRepo database.ItemRepository
	engine   *rules.Engine
	matcher  *notify.Matcher

	// Global defaults, applied to feeds that carry no rules of their own.
	defaultRules    []rules.Rule
	defaultCatchAll string

	// Serializes writes per feed; different feeds ingest independently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewIngester(itemRepo database.ItemRepository, engine *rules.Engine, matcher *notify.Matcher,
	defaultRules []rules.Rule, defaultCatchAll string) *Ingester {
	return &Ingester{
		itemRepo:        itemRepo,
		engine:          engine,
		matcher:         matcher,
		defaultRules:    defaultRules,
		defaultCatchAll: defaultCatchAll,
		locks:           make(map[string]*sync.Mutex),
	}
}

func (g *Ingester) effectiveRules(f *database.Feed) ([]rules.Rule, string) {
	ruleList := f.Rules
	if len(ruleList) == 0 {
		ruleList = g.defaultRules
	}
	catchAll := f.CatchAll
	if catchAll == "" {
		catchAll = g.defaultCatchAll
	}
	return ruleList, catchAll
}

func (g *Ingester) feedLock(feedID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, ok := g.locks[feedID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[feedID] = lock
	}
	return lock
}

// Run ingests a batch of canonical items for one feed. A storage failure
// aborts the batch and propagates; everything already committed is safe
// to re-run because dedup is keyed, not positional.
func (g *Ingester) Run(ctx context.Context, f *database.Feed, prefs notify.Prefs, items []feed.Item) (Stats, error) {
	lock := g.feedLock(f.ID)
	lock.Lock()
	defer lock.Unlock()

	var stats Stats

	for _, item := range items {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		if item.GUID == "" {
			slog.Warn("Skipping item without dedup key", "feed", f.ID, "permalink", item.Permalink)
			continue
		}

		if err := g.ingestOne(f, prefs, item, &stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (g *Ingester) ingestOne(f *database.Feed, prefs notify.Prefs, item feed.Item, stats *Stats) error {
	ruleList, catchAll := g.effectiveRules(f)

	existing, err := g.itemRepo.GetByGUID(f.ID, item.GUID)
	if err != nil {
		return err
	}

	if existing != nil {
		switch {
		case existing.Status == database.ItemStatusDeleted:
			// Tombstone: the owner deleted this item by rule, it stays gone.
			stats.Duplicates++
			return nil
		case existing.Fingerprint == item.Fingerprint():
			stats.Duplicates++
			return nil
		default:
			// Edited upstream: replace content, keep identity and status.
			verdict := g.engine.Evaluate(item, ruleList, catchAll)
			if verdict.Action == rules.ActionDelete {
				if err := g.itemRepo.InsertTombstone(f.ID, item.GUID); err != nil {
					return err
				}
				stats.Deleted++
				return nil
			}
			status := existing.Status
			if verdict.Action == rules.ActionTrash {
				status = database.ItemStatusTrashed
			}
			if err := g.store(f, verdict, status); err != nil {
				return err
			}
			stats.Updated++
			return nil
		}
	}

	verdict := g.engine.Evaluate(item, ruleList, catchAll)

	switch verdict.Action {
	case rules.ActionDelete:
		if err := g.itemRepo.InsertTombstone(f.ID, item.GUID); err != nil {
			return err
		}
		stats.Deleted++
		return nil

	case rules.ActionTrash:
		if err := g.store(f, verdict, database.ItemStatusTrashed); err != nil {
			return err
		}
		stats.Trashed++
		return nil

	default:
		if err := g.store(f, verdict, database.ItemStatusVisible); err != nil {
			return err
		}
		stats.New++

		decision := g.matcher.Decide(verdict.Item, prefs)
		if decision.Class != notify.ClassNone {
			stats.Notified++
			slog.Info("Notification decision",
				"feed", f.ID,
				"guid", verdict.Item.GUID,
				"class", decision.Class,
				"reason", decision.Reason)
		}
		return nil
	}
}

func (g *Ingester) store(f *database.Feed, verdict rules.Verdict, status string) error {
	item := verdict.Item

	extractionStatus := "skipped"
	if f.ExtractContent && status == database.ItemStatusVisible {
		extractionStatus = "pending"
	}

	enclosures := make([]database.Enclosure, 0, len(item.Enclosures))
	for _, enclosure := range item.Enclosures {
		enclosures = append(enclosures, database.Enclosure{
			URL:    enclosure.URL,
			Type:   enclosure.Type,
			Length: enclosure.Length,
		})
	}

	return g.itemRepo.Upsert(&database.Item{
		FeedID:           f.ID,
		GUID:             item.GUID,
		Title:            item.Title,
		Body:             item.Body,
		Author:           item.Author,
		Permalink:        item.Permalink,
		PublishedAt:      item.PublishedAt,
		UpdatedAtRemote:  item.UpdatedAt,
		Fingerprint:      item.Fingerprint(),
		Status:           status,
		PostFormat:       item.PostFormat,
		InReplyTo:        item.InReplyTo,
		Enclosures:       enclosures,
		Raw:              item.Raw,
		ExtractionStatus: extractionStatus,
	})
}
