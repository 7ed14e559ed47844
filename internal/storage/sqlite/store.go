package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// queryer abstracts *sql.DB and *sql.Tx so every statement can run either in
// auto-commit mode or inside a RunInTx transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
	q  queryer
}

// NewStore creates a new SQLite store. The dsn parameter is a file path or
// ":memory:".
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes, which both avoids SQLITE_BUSY under
	// concurrent load and stands in for the row lock the PostgreSQL backend
	// takes on the profile row.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // Connections live for the lifetime of the store.

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to configure database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &Store{db: db, q: db}, nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RunInTx executes fn against a transaction-bound copy of the store.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("sqlite: rollback failed: %w (original: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit transaction: %w", err)
	}
	return nil
}

// Retryable reports whether err is a busy/locked condition worth retrying on
// a fresh transaction. The single-connection pool makes these rare; they can
// still surface when another process holds the database file.
func (s *Store) Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// --- profiles ---

const profileColumns = `tenant_id, data, version, last_interaction_at`

// GetProfile retrieves a tenant's profile.
func (s *Store) GetProfile(ctx context.Context, tenantID string) (*types.Profile, error) {
	return s.getProfile(ctx, tenantID)
}

// GetProfileForUpdate retrieves a tenant's profile for a read-modify-write
// cycle. SQLite has no FOR UPDATE; the single-connection pool already
// serialises transactions, so this is a plain read kept for interface parity.
func (s *Store) GetProfileForUpdate(ctx context.Context, tenantID string) (*types.Profile, error) {
	return s.getProfile(ctx, tenantID)
}

func (s *Store) getProfile(ctx context.Context, tenantID string) (*types.Profile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}

	var p types.Profile
	var dataJSON []byte
	err := s.q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE tenant_id = ?`, tenantID).Scan(
		&p.TenantID, &dataJSON, &p.Version, &p.LastInteractionAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get profile: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &p.Data); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal profile data: %w", err)
	}
	return &p, nil
}

// UpsertProfile applies updates as a shallow merge-patch gated on
// expectedVersion, with a single internal re-read retry on a stale version.
func (s *Store) UpsertProfile(ctx context.Context, tenantID string, updates types.ProfileData, expectedVersion int64) (storage.ProfileWrite, error) {
	w, err := s.upsertProfileOnce(ctx, tenantID, updates, expectedVersion)
	if err == nil || !errors.Is(err, storage.ErrVersionConflict) {
		return w, err
	}

	cur, gerr := s.getProfile(ctx, tenantID)
	if errors.Is(gerr, storage.ErrNotFound) {
		return s.upsertProfileOnce(ctx, tenantID, updates, 0)
	}
	if gerr != nil {
		return storage.ProfileWrite{}, gerr
	}
	return s.upsertProfileOnce(ctx, tenantID, updates, cur.Version)
}

func (s *Store) upsertProfileOnce(ctx context.Context, tenantID string, updates types.ProfileData, expectedVersion int64) (storage.ProfileWrite, error) {
	if tenantID == "" {
		return storage.ProfileWrite{}, fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		dataJSON, err := json.Marshal(updates)
		if err != nil {
			return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to marshal profile data: %w", err)
		}
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO profiles (tenant_id, data, version, last_interaction_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(tenant_id) DO NOTHING
		`, tenantID, dataJSON, now)
		if err != nil {
			return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to insert profile: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
		}
		if n == 1 {
			return storage.ProfileWrite{Updated: true, NewVersion: 1}, nil
		}
		// Lost the insert race: merge against whoever won.
		cur, err := s.getProfile(ctx, tenantID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ProfileWrite{}, storage.ErrVersionConflict
		}
		if err != nil {
			return storage.ProfileWrite{}, err
		}
		return s.conditionalUpdate(ctx, tenantID, cur.Data.Merge(updates), cur.Version, now)
	}

	cur, err := s.getProfile(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		// Profile disappeared concurrently; signal conflict so the caller's
		// re-read falls back to a fresh insert.
		return storage.ProfileWrite{}, storage.ErrVersionConflict
	}
	if err != nil {
		return storage.ProfileWrite{}, err
	}
	if cur.Version != expectedVersion {
		return storage.ProfileWrite{}, storage.ErrVersionConflict
	}
	return s.conditionalUpdate(ctx, tenantID, cur.Data.Merge(updates), expectedVersion, now)
}

func (s *Store) conditionalUpdate(ctx context.Context, tenantID string, merged types.ProfileData, expectedVersion int64, now time.Time) (storage.ProfileWrite, error) {
	dataJSON, err := json.Marshal(merged)
	if err != nil {
		return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to marshal profile data: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE profiles
		SET data = ?, version = version + 1, last_interaction_at = ?
		WHERE tenant_id = ? AND version = ?
	`, dataJSON, now, tenantID, expectedVersion)
	if err != nil {
		return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.ProfileWrite{}, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ProfileWrite{}, storage.ErrVersionConflict
	}
	return storage.ProfileWrite{Updated: true, NewVersion: expectedVersion + 1}, nil
}

// --- episodes ---

const episodeColumns = `id, tenant_id, episode_type, channel, content, metadata, is_superseded, created_at`

// InsertEpisode appends one episode and returns its assigned ID.
func (s *Store) InsertEpisode(ctx context.Context, tenantID string, ep storage.EpisodeInsert) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}
	if ep.Content == "" {
		return 0, fmt.Errorf("%w: episode content is required", storage.ErrInvalidInput)
	}

	var metadataJSON []byte
	if ep.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(ep.Metadata)
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to marshal episode metadata: %w", err)
		}
	}

	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO episodes (tenant_id, episode_type, channel, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, tenantID, ep.EpisodeType, ep.Channel, ep.Content, nullableBytes(metadataJSON), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to insert episode: %w", err)
	}
	return id, nil
}

// GetRecentEpisodes returns episodes newest-first, excluding superseded rows.
func (s *Store) GetRecentEpisodes(ctx context.Context, tenantID string, q storage.EpisodeQuery) ([]types.Episode, error) {
	q.Normalize()

	query := `
		SELECT ` + episodeColumns + `
		FROM episodes
		WHERE tenant_id = ? AND is_superseded = 0
	`
	args := []any{tenantID}
	if q.EpisodeType != "" {
		query += ` AND episode_type = ?`
		args = append(args, q.EpisodeType)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, q.Limit)

	return s.queryEpisodes(ctx, query, args...)
}

// GetEpisodesSince returns episodes created at or after since, newest-first.
func (s *Store) GetEpisodesSince(ctx context.Context, tenantID string, since time.Time, q storage.SinceQuery) ([]types.Episode, error) {
	q.Normalize()

	query := `
		SELECT ` + episodeColumns + `
		FROM episodes
		WHERE tenant_id = ? AND is_superseded = 0 AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	` + fmt.Sprintf(` LIMIT %d`, q.Limit)

	return s.queryEpisodes(ctx, query, tenantID, since.UTC())
}

// MarkEpisodeSuperseded hides an episode from all read paths.
func (s *Store) MarkEpisodeSuperseded(ctx context.Context, tenantID string, id int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE episodes SET is_superseded = 1 WHERE tenant_id = ? AND id = ?
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark episode superseded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) queryEpisodes(ctx context.Context, query string, args ...any) ([]types.Episode, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []types.Episode
	for rows.Next() {
		var ep types.Episode
		var metadataJSON sql.NullString
		if err := rows.Scan(
			&ep.ID, &ep.TenantID, &ep.EpisodeType, &ep.Channel, &ep.Content,
			&metadataJSON, &ep.IsSuperseded, &ep.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan episode: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &ep.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal episode metadata: %w", err)
			}
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate episodes: %w", err)
	}
	return episodes, nil
}

// --- concerns ---

const concernColumns = `id, tenant_id, concern_key, display_name, severity, status,
	mention_count, evidence, first_seen_at, last_seen_at, resolved_at, followup_due`

// severityRankSQL orders severities low < medium < high < critical in SQL,
// mirroring types.Severity.Rank.
const severityRankSQL = `CASE %s WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

// UpsertConcern inserts or folds a mention into the concern row in a single
// atomic statement. Inside DO UPDATE, unqualified column names refer to the
// pre-update row, which is what the reopen and escalation rules need.
func (s *Store) UpsertConcern(ctx context.Context, tenantID string, c storage.ConcernUpsert) (storage.ConcernWrite, error) {
	if tenantID == "" {
		return storage.ConcernWrite{}, fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}
	if err := c.Validate(); err != nil {
		return storage.ConcernWrite{}, err
	}

	now := time.Now().UTC()
	entry := types.EvidenceEntry{Text: c.EvidenceText, Source: c.Source, Date: types.EvidenceDate(now)}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return storage.ConcernWrite{}, fmt.Errorf("sqlite: failed to marshal evidence: %w", err)
	}
	evidenceJSON, err := json.Marshal([]types.EvidenceEntry{entry})
	if err != nil {
		return storage.ConcernWrite{}, fmt.Errorf("sqlite: failed to marshal evidence: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO concerns (
			tenant_id, concern_key, display_name, severity, status,
			mention_count, evidence, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, 'active', 1, ?, ?, ?)
		ON CONFLICT(tenant_id, concern_key) DO UPDATE SET
			display_name = excluded.display_name,
			mention_count = mention_count + 1,
			severity = CASE WHEN %s >= %s THEN severity ELSE excluded.severity END,
			evidence = json_insert(
				CASE WHEN json_array_length(evidence) >= %d
					THEN json_remove(evidence, '$[0]') ELSE evidence END,
				'$[#]', json(?)),
			last_seen_at = excluded.last_seen_at,
			status = CASE WHEN status = 'resolved' THEN 'active' ELSE status END,
			resolved_at = CASE WHEN status = 'resolved' THEN NULL ELSE resolved_at END
		RETURNING id, mention_count
	`,
		fmt.Sprintf(severityRankSQL, "severity"),
		fmt.Sprintf(severityRankSQL, "excluded.severity"),
		types.MaxEvidenceEntries,
	)

	var w storage.ConcernWrite
	err = s.q.QueryRowContext(ctx, query,
		tenantID, c.ConcernKey, c.DisplayName, string(c.Severity), evidenceJSON, now, now, entryJSON,
	).Scan(&w.ID, &w.MentionCount)
	if err != nil {
		return storage.ConcernWrite{}, fmt.Errorf("sqlite: failed to upsert concern: %w", err)
	}
	return w, nil
}

// GetActiveConcerns returns open concerns ordered by severity then recency.
func (s *Store) GetActiveConcerns(ctx context.Context, tenantID string) ([]types.Concern, error) {
	query := fmt.Sprintf(`
		SELECT `+concernColumns+`
		FROM concerns
		WHERE tenant_id = ? AND status IN ('active', 'improving', 'escalated')
		ORDER BY %s DESC, last_seen_at DESC
	`, fmt.Sprintf(severityRankSQL, "severity"))

	return s.queryConcerns(ctx, query, tenantID)
}

// GetAllConcerns returns every concern ordered by status priority, severity,
// then recency.
func (s *Store) GetAllConcerns(ctx context.Context, tenantID string) ([]types.Concern, error) {
	query := fmt.Sprintf(`
		SELECT `+concernColumns+`
		FROM concerns
		WHERE tenant_id = ?
		ORDER BY
			CASE status WHEN 'active' THEN 1 WHEN 'improving' THEN 2 WHEN 'escalated' THEN 3 ELSE 4 END,
			%s DESC,
			last_seen_at DESC
	`, fmt.Sprintf(severityRankSQL, "severity"))

	return s.queryConcerns(ctx, query, tenantID)
}

// UpdateConcernStatus moves a concern between statuses. Statuses outside
// {improving, resolved, escalated} are a deliberate no-op guard, not an error.
func (s *Store) UpdateConcernStatus(ctx context.Context, tenantID, concernKey string, status types.ConcernStatus) (int64, error) {
	switch status {
	case types.ConcernImproving, types.ConcernResolved, types.ConcernEscalated:
	default:
		return 0, nil
	}

	var resolvedAt any
	if status == types.ConcernResolved {
		resolvedAt = time.Now().UTC()
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE concerns SET status = ?, resolved_at = ?
		WHERE tenant_id = ? AND concern_key = ?
	`, string(status), resolvedAt, tenantID, concernKey)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to update concern status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryConcerns(ctx context.Context, query string, args ...any) ([]types.Concern, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query concerns: %w", err)
	}
	defer rows.Close()

	var concerns []types.Concern
	for rows.Next() {
		var c types.Concern
		var evidenceJSON []byte
		var severity, status string
		var resolvedAt, followupDue sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.ConcernKey, &c.DisplayName, &severity, &status,
			&c.MentionCount, &evidenceJSON, &c.FirstSeenAt, &c.LastSeenAt,
			&resolvedAt, &followupDue,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan concern: %w", err)
		}
		c.Severity = types.Severity(severity)
		c.Status = types.ConcernStatus(status)
		if len(evidenceJSON) > 0 {
			if err := json.Unmarshal(evidenceJSON, &c.Evidence); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal evidence: %w", err)
			}
		}
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Time
		}
		if followupDue.Valid {
			c.FollowupDue = &followupDue.Time
		}
		concerns = append(concerns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate concerns: %w", err)
	}
	return concerns, nil
}

// --- bootstrap files ---

// UpsertArtifact writes a named rendered document for a tenant, overwriting
// any previous content.
func (s *Store) UpsertArtifact(ctx context.Context, tenantID, name, content string) error {
	if tenantID == "" || name == "" {
		return fmt.Errorf("%w: tenant ID and artifact name are required", storage.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bootstrap_files (tenant_id, name, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, tenantID, name, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the stored document content for (tenant, name).
func (s *Store) GetArtifact(ctx context.Context, tenantID, name string) (string, error) {
	var content string
	err := s.q.QueryRowContext(ctx, `
		SELECT content FROM bootstrap_files WHERE tenant_id = ? AND name = ?
	`, tenantID, name).Scan(&content)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to get artifact: %w", err)
	}
	return content, nil
}

// nullableBytes converts a nil/empty byte slice to NULL.
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
