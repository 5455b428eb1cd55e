package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ ItemRepository = (*ItemRepo)(nil)

type ItemRepo struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepo {
	return &ItemRepo{db: db}
}

const itemColumns = `id, feed_id, guid, title, body, author, permalink, published_at,
       updated_at_remote, fingerprint, status, post_format, in_reply_to,
       enclosures, raw, extraction_status, extracted_at, extraction_error, created_at`

func scanItem(scan func(dest ...interface{}) error) (*Item, error) {
	var item Item
	var enclosuresJSON, rawJSON string
	err := scan(
		&item.ID, &item.FeedID, &item.GUID, &item.Title, &item.Body, &item.Author,
		&item.Permalink, &item.PublishedAt, &item.UpdatedAtRemote, &item.Fingerprint,
		&item.Status, &item.PostFormat, &item.InReplyTo, &enclosuresJSON, &rawJSON,
		&item.ExtractionStatus, &item.ExtractedAt, &item.ExtractionError, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item row: %w", err)
	}

	if err := json.Unmarshal([]byte(enclosuresJSON), &item.Enclosures); err != nil {
		return nil, fmt.Errorf("failed to decode enclosures: %w", err)
	}
	if err := json.Unmarshal([]byte(rawJSON), &item.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw metadata: %w", err)
	}

	return &item, nil
}

func (r *ItemRepo) GetByGUID(feedID, guid string) (*Item, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE feed_id = ? AND guid = ?`, feedID, guid)
	return scanItem(row.Scan)
}

func (r *ItemRepo) GetVisible(feedID string, limit int) ([]Item, error) {
	rows, err := r.db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE feed_id = ? AND status = ?
		ORDER BY published_at DESC
		LIMIT ?
	`, feedID, ItemStatusVisible, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get visible items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}

	return items, nil
}

func (r *ItemRepo) GetStats(feedID string) (total, visible, trashed, deleted int, err error) {
	err = r.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN status = 'visible' THEN 1 ELSE 0 END) as visible,
			SUM(CASE WHEN status = 'trashed' THEN 1 ELSE 0 END) as trashed,
			SUM(CASE WHEN status = 'deleted' THEN 1 ELSE 0 END) as deleted
		FROM items
		WHERE feed_id = ?
	`, feedID).Scan(&total, &visible, &trashed, &deleted)

	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to get item stats: %w", err)
	}

	return total, visible, trashed, deleted, nil
}

// Upsert stores the item keyed by (feed_id, guid). A conflict replaces
// the mutable content while the row identity (and anything the hosting
// runtime attached to it) survives.
func (r *ItemRepo) Upsert(item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Enclosures == nil {
		item.Enclosures = []Enclosure{}
	}
	if item.Raw == nil {
		item.Raw = map[string]interface{}{}
	}
	if item.ExtractionStatus == "" {
		item.ExtractionStatus = "skipped"
	}

	enclosuresJSON, err := json.Marshal(item.Enclosures)
	if err != nil {
		return fmt.Errorf("failed to encode enclosures: %w", err)
	}
	rawJSON, err := json.Marshal(item.Raw)
	if err != nil {
		return fmt.Errorf("failed to encode raw metadata: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO items (
			id, feed_id, guid, title, body, author, permalink, published_at,
			updated_at_remote, fingerprint, status, post_format, in_reply_to,
			enclosures, raw, extraction_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, guid) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			author = excluded.author,
			permalink = excluded.permalink,
			updated_at_remote = excluded.updated_at_remote,
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			post_format = excluded.post_format,
			in_reply_to = excluded.in_reply_to,
			enclosures = excluded.enclosures,
			raw = excluded.raw,
			extraction_status = excluded.extraction_status
	`, item.ID, item.FeedID, item.GUID, item.Title, item.Body, item.Author,
		item.Permalink, item.PublishedAt.UTC(), item.UpdatedAtRemote, item.Fingerprint,
		item.Status, item.PostFormat, item.InReplyTo, string(enclosuresJSON),
		string(rawJSON), item.ExtractionStatus, time.Now().UTC())

	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}

	return nil
}

// InsertTombstone remembers the dedup key of a delete-ruled item with no
// content, so the item can never reappear on a later poll. An existing
// row for the key is collapsed to a tombstone.
func (r *ItemRepo) InsertTombstone(feedID, guid string) error {
	_, err := r.db.Exec(`
		INSERT INTO items (id, feed_id, guid, title, body, author, permalink, published_at, status, created_at)
		VALUES (?, ?, ?, '', '', '', '', ?, ?, ?)
		ON CONFLICT (feed_id, guid) DO UPDATE SET
			title = '', body = '', author = '', permalink = '', status = excluded.status
	`, uuid.NewString(), feedID, guid, time.Now().UTC(), ItemStatusDeleted, time.Now().UTC())

	if err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}

	return nil
}

func (r *ItemRepo) SetStatusByGUID(feedID, guid, status string) error {
	_, err := r.db.Exec(`
		UPDATE items SET status = ? WHERE feed_id = ? AND guid = ?
	`, status, feedID, guid)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	return nil
}

func (r *ItemRepo) PruneOlderThan(feedID string, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`
		DELETE FROM items
		WHERE feed_id = ? AND status != ? AND published_at < ?
	`, feedID, ItemStatusDeleted, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune items by age: %w", err)
	}

	return result.RowsAffected()
}

func (r *ItemRepo) PruneBeyondCount(feedID string, keep int) (int64, error) {
	result, err := r.db.Exec(`
		DELETE FROM items
		WHERE feed_id = ? AND status != ? AND id NOT IN (
			SELECT id FROM items
			WHERE feed_id = ? AND status != ?
			ORDER BY published_at DESC
			LIMIT ?
		)
	`, feedID, ItemStatusDeleted, feedID, ItemStatusDeleted, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune items by count: %w", err)
	}

	return result.RowsAffected()
}

func (r *ItemRepo) GetItemsForExtraction(feedID string, limit int) ([]ItemForExtraction, error) {
	rows, err := r.db.Query(`
		SELECT id, permalink FROM items
		WHERE feed_id = ? AND status = ? AND extraction_status = 'pending'
		ORDER BY published_at DESC
		LIMIT ?
	`, feedID, ItemStatusVisible, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for extraction: %w", err)
	}
	defer rows.Close()

	var items []ItemForExtraction
	for rows.Next() {
		var item ItemForExtraction
		if err := rows.Scan(&item.ID, &item.Link); err != nil {
			return nil, fmt.Errorf("failed to scan extraction row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extraction rows: %w", err)
	}

	return items, nil
}

func (r *ItemRepo) UpdateExtractedContent(itemID, content, status string, extractedAt *time.Time, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE items
		SET body = ?, extraction_status = ?, extracted_at = ?, extraction_error = ?
		WHERE id = ?
	`, content, status, extractedAt, errMsg, itemID)
	if err != nil {
		return fmt.Errorf("failed to update extracted content: %w", err)
	}
	return nil
}

func (r *ItemRepo) UpdateExtractionStatus(itemID, status string, extractedAt *time.Time, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE items SET extraction_status = ?, extracted_at = ?, extraction_error = ? WHERE id = ?
	`, status, extractedAt, errMsg, itemID)
	if err != nil {
		return fmt.Errorf("failed to update extraction status: %w", err)
	}
	return nil
}
