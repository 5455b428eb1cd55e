package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
)

const extractionBatchSize = 20

type ExtractContentTask struct {
	Task
	Feed             database.Feed
	fetcher          *fetch.Fetcher
	contentExtractor *feed.ContentExtractor
	itemRepo         database.ItemRepository
}

func NewExtractContentTask(f database.Feed, fetcher *fetch.Fetcher,
	contentExtractor *feed.ContentExtractor, itemRepo database.ItemRepository) *ExtractContentTask {
	return &ExtractContentTask{
		Task:             NewTask(TaskTypeExtractContent, f.ID),
		Feed:             f,
		fetcher:          fetcher,
		contentExtractor: contentExtractor,
		itemRepo:         itemRepo,
	}
}

func (t *ExtractContentTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !t.Feed.ExtractContent {
		slog.Debug("Content extraction disabled for feed", "feed", t.Feed.ID)
		return nil
	}

	items, err := t.itemRepo.GetItemsForExtraction(t.Feed.ID, extractionBatchSize)
	if err != nil {
		return fmt.Errorf("failed to get items for content extraction: %w", err)
	}

	if len(items) == 0 {
		slog.Debug("No items need content extraction", "feed", t.Feed.ID)
		return nil
	}

	successCount := 0
	errorCount := 0

	for _, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := t.extractContentForItem(ctx, item); err != nil {
			slog.Error("Failed to extract content for item", "item_id", item.ID, "url", item.Link, "error", err)
			errorCount++

			now := time.Now().UTC()
			if err := t.itemRepo.UpdateExtractionStatus(item.ID, "failed", &now, err.Error()); err != nil {
				slog.Error("Failed to update content extraction status", "item_id", item.ID, "error", err)
			}
		} else {
			successCount++
		}
	}

	slog.Info("Task completed",
		"type", "ExtractContent",
		"feed", t.Feed.ID,
		"duration", t.GetDuration(),
		"success", successCount,
		"errors", errorCount)

	return nil
}

func (t *ExtractContentTask) extractContentForItem(ctx context.Context, item database.ItemForExtraction) error {
	if item.Link == "" {
		return fmt.Errorf("item has no permalink")
	}

	result, err := t.fetcher.FetchPage(ctx, item.Link)
	if err != nil {
		return fmt.Errorf("failed to fetch article content: %w", err)
	}

	if !strings.Contains(strings.ToLower(result.ContentType), "text/html") {
		return fmt.Errorf("content type is not HTML: %s", result.ContentType)
	}

	extractedContent, err := t.contentExtractor.Run(result.Body)
	if err != nil {
		return fmt.Errorf("failed to extract content: %w", err)
	}

	now := time.Now().UTC()
	if err := t.itemRepo.UpdateExtractedContent(item.ID, extractedContent, "success", &now, ""); err != nil {
		return fmt.Errorf("failed to update extracted content: %w", err)
	}

	slog.Debug("Content extracted successfully", "item_id", item.ID, "url", item.Link, "content_length", len(extractedContent))
	return nil
}
