// Package postgres implements the domain repositories on Postgres. Every
// write that other services care about records an outbox event in the same
// transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/events"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/outbox"
)

// Repository provides Postgres-backed persistence for users, activities and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const activityColumns = `activity_id, owner_email, name, sport_type, description, track, start_date, distance_m, duration_s, average_speed, elevation_gain_m, imported_at`

// ActivityIDs implements domain.ActivityRepository.
func (r *Repository) ActivityIDs(ctx context.Context, ownerEmail string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT activity_id FROM activities WHERE owner_email=$1 ORDER BY activity_id`, normalize(ownerEmail))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListActivities returns activities of an owner, most recent first.
func (r *Repository) ListActivities(ctx context.Context, ownerEmail string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []any{normalize(ownerEmail)}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE owner_email=$1`

	if cursor != nil {
		query += ` AND (start_date, activity_id) < ($2, $3)`
		args = append(args, cursor.StartDate, cursor.ID)
	}
	query += ` ORDER BY start_date DESC, activity_id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, max(limit, 0))
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{StartDate: last.StartDate, ID: last.ID}
	}
	return results, nextCursor, nil
}

// ActivitySummary implements domain.ActivityRepository.
func (r *Repository) ActivitySummary(ctx context.Context, ownerEmail string) (domain.ActivitySummary, error) {
	var summary domain.ActivitySummary
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(start_date) FROM activities WHERE owner_email=$1`,
		normalize(ownerEmail),
	).Scan(&summary.Count, &summary.LastStartDate)
	return summary, err
}

// SaveActivity inserts the activity and records an activity.imported event.
// Activities that are already stored are left untouched and emit nothing.
func (r *Repository) SaveActivity(ctx context.Context, activity domain.Activity) (err error) {
	activity.OwnerEmail = normalize(activity.OwnerEmail)
	if activity.ImportedAt.IsZero() {
		activity.ImportedAt = time.Now().UTC()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx,
		`INSERT INTO activities (`+activityColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (owner_email, activity_id) DO NOTHING`,
		activity.ID,
		activity.OwnerEmail,
		activity.Name,
		activity.SportType,
		activity.Description,
		activity.Track,
		activity.StartDate,
		activity.Distance,
		int64(activity.Duration/time.Second),
		activity.AverageSpeed,
		activity.ElevationGain,
		activity.ImportedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if err = insertOutbox(ctx, tx, outboxRecord{
		aggregateType: "activity",
		aggregateID:   activity.ID,
		eventType:     events.TypeActivityImported,
		partitionKey:  activity.OwnerEmail,
		dedupeKey:     fmt.Sprintf("%s:%s:%s:%d", events.TypeActivityImported, activity.OwnerEmail, activity.ID, activity.ImportedAt.UnixNano()),
		payload: events.ActivityImported{
			ActivityID:      activity.ID,
			OwnerEmail:      activity.OwnerEmail,
			SportType:       activity.SportType,
			StartDate:       activity.StartDate.UTC(),
			DistanceMeters:  activity.Distance,
			DurationSeconds: int64(activity.Duration / time.Second),
			ImportedAt:      activity.ImportedAt.UTC(),
			Version:         events.Version,
		},
	}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityImported(activity.ImportedAt)
	return nil
}

// DeleteActivities removes the listed activities and records one
// activity.removed event for the rows that actually existed.
func (r *Repository) DeleteActivities(ctx context.Context, ownerEmail string, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	owner := normalize(ownerEmail)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx,
		`DELETE FROM activities WHERE owner_email=$1 AND activity_id = ANY($2) RETURNING activity_id`,
		owner, ids,
	)
	if err != nil {
		return err
	}
	removed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	if len(removed) > 0 {
		now := time.Now().UTC()
		if err = insertOutbox(ctx, tx, outboxRecord{
			aggregateType: "user",
			aggregateID:   owner,
			eventType:     events.TypeActivitiesRemoved,
			partitionKey:  owner,
			dedupeKey:     fmt.Sprintf("%s:%s:%d", events.TypeActivitiesRemoved, owner, now.UnixNano()),
			payload: events.ActivitiesRemoved{
				OwnerEmail:  owner,
				ActivityIDs: removed,
				RemovedAt:   now,
				Version:     events.Version,
			},
		}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// EnqueueSyncRequest records a sync.requested event for remote workers.
func (r *Repository) EnqueueSyncRequest(ctx context.Context, event events.SyncRequested) (err error) {
	event.Email = normalize(event.Email)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = insertOutbox(ctx, tx, outboxRecord{
		aggregateType: "sync_job",
		aggregateID:   event.JobID,
		eventType:     events.TypeSyncRequested,
		partitionKey:  event.Email,
		dedupeKey:     events.TypeSyncRequested + ":" + event.JobID,
		payload:       event,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetUser implements domain.UserRepository.
func (r *Repository) GetUser(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT email, first_name, last_name, profile_picture_url, provider_user_id, access_token, refresh_token, token_expires_at, active_job_id, created_at, updated_at
        FROM users WHERE email=$1`

	var (
		user      domain.User
		activeJob *string
	)
	err := r.pool.QueryRow(ctx, query, normalize(email)).Scan(
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.ProfilePictureURL,
		&user.ProviderUserID,
		&user.Token.AccessToken,
		&user.Token.RefreshToken,
		&user.Token.ExpiresAt,
		&activeJob,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	if activeJob != nil {
		user.ActiveJobID = *activeJob
	}
	return &user, nil
}

// SaveUser upserts the profile and credentials. The active job and creation
// time of an existing user are preserved. The update only applies when the
// stored provider account matches.
func (r *Repository) SaveUser(ctx context.Context, user domain.User) error {
	const stmt = `INSERT INTO users (email, first_name, last_name, profile_picture_url, provider_user_id, access_token, refresh_token, token_expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (email) DO UPDATE SET
            first_name = EXCLUDED.first_name,
            last_name = EXCLUDED.last_name,
            profile_picture_url = EXCLUDED.profile_picture_url,
            provider_user_id = EXCLUDED.provider_user_id,
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            token_expires_at = EXCLUDED.token_expires_at,
            updated_at = NOW()
        WHERE users.provider_user_id = EXCLUDED.provider_user_id`

	tag, err := r.pool.Exec(ctx, stmt,
		normalize(user.Email),
		user.FirstName,
		user.LastName,
		user.ProfilePictureURL,
		user.ProviderUserID,
		user.Token.AccessToken,
		user.Token.RefreshToken,
		user.Token.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyConnected
	}
	return nil
}

// UpdateToken implements domain.UserRepository.
func (r *Repository) UpdateToken(ctx context.Context, email string, token domain.Token) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET access_token=$2, refresh_token=$3, token_expires_at=$4, updated_at=NOW() WHERE email=$1`,
		normalize(email), token.AccessToken, token.RefreshToken, token.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// SwapActiveJob implements domain.UserRepository.
func (r *Repository) SwapActiveJob(ctx context.Context, email, expected, next string) (bool, error) {
	key := normalize(email)
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET active_job_id = NULLIF($3, ''), updated_at = NOW()
        WHERE email=$1 AND active_job_id IS NOT DISTINCT FROM NULLIF($2, '')`,
		key, expected, next,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email=$1)`, key).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrUserNotFound
	}
	return false, nil
}

type outboxRecord struct {
	aggregateType string
	aggregateID   string
	eventType     string
	partitionKey  string
	dedupeKey     string
	payload       any
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec outboxRecord) error {
	body, err := json.Marshal(rec.payload)
	if err != nil {
		return err
	}

	route, err := outbox.RouteFor(rec.eventType)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		rec.aggregateType,
		rec.aggregateID,
		rec.eventType,
		route.Topic,
		route.SchemaSubject,
		rec.partitionKey,
		body,
		rec.dedupeKey,
	)
	return err
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var (
		activity domain.Activity
		seconds  int64
	)
	err := row.Scan(
		&activity.ID,
		&activity.OwnerEmail,
		&activity.Name,
		&activity.SportType,
		&activity.Description,
		&activity.Track,
		&activity.StartDate,
		&activity.Distance,
		&seconds,
		&activity.AverageSpeed,
		&activity.ElevationGain,
		&activity.ImportedAt,
	)
	activity.Duration = time.Duration(seconds) * time.Second
	return activity, err
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
