package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimitRepository persists rate limit buckets in Postgres
type RateLimitRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewRateLimitRepository(db *database.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db, pool: db.Pool}
}

func scanBucketRow(scanner rowScanner) (*models.RateLimitBucket, error) {
	var bucket models.RateLimitBucket
	err := scanner.Scan(&bucket.Action, &bucket.Key, &bucket.Attempts, &bucket.WindowStartedAt, &bucket.LockedUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &bucket, nil
}

func (r *RateLimitRepository) GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error) {
	query := `SELECT action, key, attempts, window_started_at, locked_until FROM rate_limit_buckets WHERE action = $1 AND key = $2`
	return scanBucketRow(r.pool.QueryRow(ctx, query, action, key))
}

// HitBucket records one attempt under a row lock. The row is created first so
// concurrent first attempts serialize on it instead of overwriting each other.
func (r *RateLimitRepository) HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error) {
	var lockedOut bool
	var bucket *models.RateLimitBucket

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rate_limit_buckets (action, key, attempts, window_started_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (action, key) DO NOTHING
		`, action, key, now)
		if err != nil {
			return err
		}

		bucket, err = scanBucketRow(tx.QueryRow(ctx, `
			SELECT action, key, attempts, window_started_at, locked_until
			FROM rate_limit_buckets WHERE action = $1 AND key = $2
			FOR UPDATE
		`, action, key))
		if err != nil {
			return err
		}

		lockedOut = bucket.Hit(now, rule)

		_, err = tx.Exec(ctx, `
			UPDATE rate_limit_buckets
			SET attempts = $1, window_started_at = $2, locked_until = $3
			WHERE action = $4 AND key = $5
		`, bucket.Attempts, bucket.WindowStartedAt, bucket.LockedUntil, action, key)
		return err
	})
	if err != nil {
		return false, nil, database.MapPostgresError(err)
	}

	return lockedOut, bucket, nil
}

// ReleaseBucket applies RateLimitBucket.Release in a single statement
func (r *RateLimitRepository) ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error {
	query := `
		UPDATE rate_limit_buckets
		SET attempts = attempts - 1, locked_until = NULL
		WHERE action = $1 AND key = $2
		  AND attempts > 0
		  AND (
		    (locked_until IS NULL AND window_started_at > $3)
		    OR ($4 AND locked_until > $5)
		  )
	`

	_, err := r.pool.Exec(ctx, query, action, key, now.Add(-rule.Window), startedLockout, now)
	return database.MapPostgresError(err)
}

func (r *RateLimitRepository) ResetBucket(ctx context.Context, action, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE action = $1 AND key = $2`, action, key)
	return database.MapPostgresError(err)
}

// DeleteStale removes buckets whose lockout ended, and unlocked buckets whose
// window started before now minus maxWindow
func (r *RateLimitRepository) DeleteStale(ctx context.Context, now time.Time, maxWindow time.Duration) (int64, error) {
	query := `
		DELETE FROM rate_limit_buckets
		WHERE (locked_until IS NOT NULL AND locked_until <= $1)
		   OR (locked_until IS NULL AND window_started_at <= $2)
	`

	result, err := r.pool.Exec(ctx, query, now, now.Add(-maxWindow))
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
