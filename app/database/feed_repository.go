package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/friend-mesh/app/rules"
)

var _ FeedRepository = (*FeedRepo)(nil)

type FeedRepo struct {
	db *DB
}

func NewFeedRepository(db *DB) *FeedRepo {
	return &FeedRepo{db: db}
}

const feedColumns = `id, relationship_id, url, parser, post_format, active, poll_interval,
       extract_content, rules, catch_all, last_polled_at, polling_started_at,
       failure_count, last_error, created_at, updated_at`

func scanFeed(scan func(dest ...interface{}) error) (*Feed, error) {
	var feed Feed
	var rulesJSON string
	err := scan(
		&feed.ID, &feed.RelationshipID, &feed.URL, &feed.Parser, &feed.PostFormat,
		&feed.Active, &feed.PollInterval, &feed.ExtractContent, &rulesJSON, &feed.CatchAll,
		&feed.LastPolledAt, &feed.PollingStartedAt, &feed.FailureCount, &feed.LastError,
		&feed.CreatedAt, &feed.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan feed row: %w", err)
	}

	if err := json.Unmarshal([]byte(rulesJSON), &feed.Rules); err != nil {
		return nil, fmt.Errorf("failed to decode feed rules: %w", err)
	}

	return &feed, nil
}

func (r *FeedRepo) GetByID(id string) (*Feed, error) {
	row := r.db.QueryRow(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	return scanFeed(row.Scan)
}

func (r *FeedRepo) GetByRelationship(relationshipID string) ([]Feed, error) {
	return r.queryFeeds(`SELECT `+feedColumns+` FROM feeds WHERE relationship_id = ? ORDER BY created_at`, relationshipID)
}

func (r *FeedRepo) GetActive() ([]Feed, error) {
	return r.queryFeeds(`SELECT ` + feedColumns + ` FROM feeds WHERE active = 1 ORDER BY created_at`)
}

func (r *FeedRepo) queryFeeds(query string, args ...interface{}) ([]Feed, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		feed, err := scanFeed(rows.Scan)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed rows: %w", err)
	}

	return feeds, nil
}

func (r *FeedRepo) GetCount() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM feeds").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get feed count: %w", err)
	}
	return count, nil
}

func (r *FeedRepo) Create(feed *Feed) error {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	if feed.Rules == nil {
		feed.Rules = []rules.Rule{}
	}
	rulesJSON, err := json.Marshal(feed.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode feed rules: %w", err)
	}

	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	_, err = r.db.Exec(`
		INSERT INTO feeds (
			id, relationship_id, url, parser, post_format, active, poll_interval,
			extract_content, rules, catch_all, failure_count, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`, feed.ID, feed.RelationshipID, feed.URL, feed.Parser, feed.PostFormat, feed.Active,
		feed.PollInterval, feed.ExtractContent, string(rulesJSON), feed.CatchAll,
		feed.CreatedAt, feed.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create feed: %w", err)
	}

	return nil
}

func (r *FeedRepo) Update(feed *Feed) error {
	rulesJSON, err := json.Marshal(feed.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode feed rules: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE feeds
		SET url = ?, parser = ?, post_format = ?, active = ?, poll_interval = ?,
		    extract_content = ?, rules = ?, catch_all = ?, updated_at = ?
		WHERE id = ?
	`, feed.URL, feed.Parser, feed.PostFormat, feed.Active, feed.PollInterval,
		feed.ExtractContent, string(rulesJSON), feed.CatchAll, time.Now().UTC(), feed.ID)

	if err != nil {
		return fmt.Errorf("failed to update feed: %w", err)
	}

	return nil
}

func (r *FeedRepo) UpdateRules(id string, ruleList []byte, catchAll string) error {
	_, err := r.db.Exec(`
		UPDATE feeds SET rules = ?, catch_all = ?, updated_at = ? WHERE id = ?
	`, string(ruleList), catchAll, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update feed rules: %w", err)
	}
	return nil
}

// RepointURL moves the feed to a new source URL (ActivityPub Move)
// while keeping the feed row, its items and its relationship intact.
func (r *FeedRepo) RepointURL(id, newURL string) error {
	_, err := r.db.Exec(`
		UPDATE feeds SET url = ?, updated_at = ? WHERE id = ?
	`, newURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to repoint feed URL: %w", err)
	}
	return nil
}

func (r *FeedRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	return nil
}

// TryStartPoll is the compare-and-set that enforces at most one
// concurrent poll per feed. The staleness cutoff lets a claim left behind
// by a crashed worker be taken over instead of wedging the feed forever.
func (r *FeedRepo) TryStartPoll(id string, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.Exec(`
		UPDATE feeds
		SET polling_started_at = ?
		WHERE id = ? AND (polling_started_at IS NULL OR polling_started_at < ?)
	`, now, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim feed for polling: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

func (r *FeedRepo) FinishPoll(id string, success bool, errText string) error {
	now := time.Now().UTC()

	var err error
	if success {
		_, err = r.db.Exec(`
			UPDATE feeds
			SET polling_started_at = NULL, last_polled_at = ?, failure_count = 0,
			    last_error = '', updated_at = ?
			WHERE id = ?
		`, now, now, id)
	} else {
		_, err = r.db.Exec(`
			UPDATE feeds
			SET polling_started_at = NULL, last_polled_at = ?,
			    failure_count = failure_count + 1, last_error = ?, updated_at = ?
			WHERE id = ?
		`, now, errText, now, id)
	}

	if err != nil {
		return fmt.Errorf("failed to finish poll: %w", err)
	}

	return nil
}
