package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ RelationshipRepository = (*RelationshipRepo)(nil)

type RelationshipRepo struct {
	db *DB
}

func NewRelationshipRepository(db *DB) *RelationshipRepo {
	return &RelationshipRepo{db: db}
}

const relationshipColumns = `id, site_url, role, in_token, out_token, request_id, request_secret,
       notify_new_posts, notify_keywords, retention_max_age_days, retention_max_count,
       created_at, updated_at`

func (r *RelationshipRepo) scanRelationship(row *sql.Row) (*Relationship, error) {
	var rel Relationship
	err := row.Scan(
		&rel.ID, &rel.SiteURL, &rel.Role, &rel.InToken, &rel.OutToken,
		&rel.RequestID, &rel.RequestSecret, &rel.NotifyNewPosts, &rel.NotifyKeywords,
		&rel.RetentionMaxAgeDays, &rel.RetentionMaxCount, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan relationship row: %w", err)
	}
	return &rel, nil
}

func (r *RelationshipRepo) GetByID(id string) (*Relationship, error) {
	row := r.db.QueryRow(`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	return r.scanRelationship(row)
}

func (r *RelationshipRepo) GetBySiteURL(siteURL string) (*Relationship, error) {
	row := r.db.QueryRow(`SELECT `+relationshipColumns+` FROM relationships WHERE site_url = ?`, siteURL)
	return r.scanRelationship(row)
}

func (r *RelationshipRepo) GetByRequestID(requestID string) (*Relationship, error) {
	if requestID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(`SELECT `+relationshipColumns+` FROM relationships WHERE request_id = ?`, requestID)
	return r.scanRelationship(row)
}

func (r *RelationshipRepo) GetByInboundToken(token string) (*Relationship, error) {
	if token == "" {
		return nil, nil
	}
	// Tokens authenticate only once the relationship is active.
	row := r.db.QueryRow(`SELECT `+relationshipColumns+` FROM relationships
		WHERE in_token = ? AND role IN (?, ?)`, token, RoleFriend, RoleAcquaintance)
	return r.scanRelationship(row)
}

func (r *RelationshipRepo) List() ([]Relationship, error) {
	rows, err := r.db.Query(`SELECT ` + relationshipColumns + ` FROM relationships ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var relationships []Relationship
	for rows.Next() {
		var rel Relationship
		err := rows.Scan(
			&rel.ID, &rel.SiteURL, &rel.Role, &rel.InToken, &rel.OutToken,
			&rel.RequestID, &rel.RequestSecret, &rel.NotifyNewPosts, &rel.NotifyKeywords,
			&rel.RetentionMaxAgeDays, &rel.RetentionMaxCount, &rel.CreatedAt, &rel.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		relationships = append(relationships, rel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationship rows: %w", err)
	}

	return relationships, nil
}

func (r *RelationshipRepo) GetCount() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM relationships").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get relationship count: %w", err)
	}
	return count, nil
}

func (r *RelationshipRepo) Create(rel *Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO relationships (
			id, site_url, role, in_token, out_token, request_id, request_secret,
			notify_new_posts, notify_keywords, retention_max_age_days, retention_max_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rel.ID, rel.SiteURL, rel.Role, rel.InToken, rel.OutToken, rel.RequestID, rel.RequestSecret,
		rel.NotifyNewPosts, rel.NotifyKeywords, rel.RetentionMaxAgeDays, rel.RetentionMaxCount,
		rel.CreatedAt, rel.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}

	return nil
}

// UpdateRole moves a relationship between roles, guarded by the
// transition table and by the current role so concurrent transitions
// cannot race each other.
func (r *RelationshipRepo) UpdateRole(id string, from, to Role) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("role transition %s -> %s is not allowed", from, to)
	}

	result, err := r.db.Exec(`
		UPDATE relationships SET role = ?, updated_at = ? WHERE id = ? AND role = ?
	`, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update relationship role: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("relationship %s is no longer in role %s", id, from)
	}

	return nil
}

func (r *RelationshipRepo) UpdateRequestID(id, requestID string) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET request_id = ?, updated_at = ? WHERE id = ?
	`, requestID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update request id: %w", err)
	}
	return nil
}

// StageRequest records a handshake in flight: the request identifier and
// the staged token. Nothing is activated until the proof checks out.
func (r *RelationshipRepo) StageRequest(id, requestID, secret string) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET request_id = ?, request_secret = ?, updated_at = ? WHERE id = ?
	`, requestID, secret, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to stage handshake request: %w", err)
	}
	return nil
}

// StageAcceptToken persists the inbound token chosen for a pending
// acceptance, so a retried accept presents the same token instead of
// minting a second one.
func (r *RelationshipRepo) StageAcceptToken(id, token string) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET in_token = ?, updated_at = ? WHERE id = ? AND role = ?
	`, token, time.Now().UTC(), id, RolePendingRequestIn)
	if err != nil {
		return fmt.Errorf("failed to stage acceptance token: %w", err)
	}
	return nil
}

// ActivateFriend commits the handshake outcome in one statement: role,
// both tokens and the cleared staging secret change together or not at
// all. Only pending relationships can be activated.
func (r *RelationshipRepo) ActivateFriend(id, inToken, outToken string) error {
	result, err := r.db.Exec(`
		UPDATE relationships
		SET role = ?, in_token = ?, out_token = ?, request_secret = '', updated_at = ?
		WHERE id = ? AND role IN (?, ?)
	`, RoleFriend, inToken, outToken, time.Now().UTC(), id, RolePendingRequestIn, RolePendingRequestOut)
	if err != nil {
		return fmt.Errorf("failed to activate relationship: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("relationship %s is not pending activation", id)
	}

	return nil
}

// UpdateOutToken adopts a new outbound token for an already active
// relationship, when a replayed acceptance carries a token that differs
// from the stored one.
func (r *RelationshipRepo) UpdateOutToken(id, token string) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET out_token = ?, updated_at = ? WHERE id = ? AND role = ?
	`, token, time.Now().UTC(), id, RoleFriend)
	if err != nil {
		return fmt.Errorf("failed to update outbound token: %w", err)
	}
	return nil
}

func (r *RelationshipRepo) UpdateNotifyPrefs(id string, newPosts, keywords bool) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET notify_new_posts = ?, notify_keywords = ?, updated_at = ? WHERE id = ?
	`, newPosts, keywords, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update notification preferences: %w", err)
	}
	return nil
}

func (r *RelationshipRepo) UpdateRetention(id string, maxAgeDays, maxCount int) error {
	_, err := r.db.Exec(`
		UPDATE relationships SET retention_max_age_days = ?, retention_max_count = ?, updated_at = ? WHERE id = ?
	`, maxAgeDays, maxCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update retention overrides: %w", err)
	}
	return nil
}

// Delete removes the relationship; feeds and cached items go with it via
// foreign key cascades.
func (r *RelationshipRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	return nil
}
