package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/models"
)

// DB is the subset of *pgxpool.Pool the Postgres driver needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresQueue stores jobs in the jobqueue schema created by the store migrations.
type PostgresQueue struct {
	db       DB
	defaults Defaults
	logger   logrus.FieldLogger
}

// NewPostgresQueue builds the driver over an existing pool. The pool is owned by
// the caller; Close does not close it.
func NewPostgresQueue(db DB, defaults Defaults, logger logrus.FieldLogger) *PostgresQueue {
	return &PostgresQueue{db: db, defaults: defaults, logger: logger}
}

func (q *PostgresQueue) CreateQueue(ctx context.Context, name string) error {
	if _, err := q.db.Exec(ctx, `
		INSERT INTO jobqueue.queue (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name); err != nil {
		return dbError("create queue", name, err)
	}
	return nil
}

func (q *PostgresQueue) Send(ctx context.Context, name string, data map[string]any, opts SendOptions) (string, error) {
	opts = q.defaults.apply(opts)
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	startAfter := pgtype.Timestamptz{Time: opts.StartAfter, Valid: !opts.StartAfter.IsZero()}

	id := uuid.New().String()
	var returned string
	err = q.db.QueryRow(ctx, `
		INSERT INTO jobqueue.job (id, name, priority, data, retry_limit, retry_delay_seconds, retry_backoff, expire_in_seconds, owner, start_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE(NULLIF($9, ''), CURRENT_USER), COALESCE($10, NOW()))
		RETURNING id::text
	`, id, name, opts.Priority, payload, opts.RetryLimit, seconds(opts.RetryDelay), opts.RetryBackoff,
		seconds(opts.ExpireIn), opts.Owner, startAfter).Scan(&returned)
	if err != nil {
		return "", dbError("send", name, err)
	}
	return returned, nil
}

func (q *PostgresQueue) Work(ctx context.Context, name string, opts WorkOptions, handler Handler) error {
	return work(ctx, q, q.logger, name, opts, handler)
}

const jobColumns = `j.id::text, j.name, j.priority, j.data, j.state, j.retry_limit, j.retry_count,
	j.retry_delay_seconds, j.retry_backoff, j.expire_in_seconds, j.owner, j.start_after,
	j.started_on, j.completed_on, j.created_on, j.output`

func (q *PostgresQueue) fetch(ctx context.Context, name string) (*models.Job, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE jobqueue.job j
		SET state = 'active', started_on = NOW()
		FROM (
			SELECT id FROM jobqueue.job
			WHERE name = $1 AND state IN ('created', 'retry') AND start_after <= NOW()
			ORDER BY priority DESC, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) next
		WHERE j.id = next.id
		RETURNING `+jobColumns, name)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("fetch", name, err)
	}
	return &job, nil
}

func (q *PostgresQueue) complete(ctx context.Context, job models.Job) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobqueue.job SET state = 'completed', completed_on = NOW()
		WHERE id = $1 AND state = 'active'
	`, job.ID)
	if err != nil {
		return dbError("complete", job.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: job is not active", job.ID)
	}
	return nil
}

func (q *PostgresQueue) fail(ctx context.Context, job models.Job, next attempt) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobqueue.job
		SET state = $2, retry_count = $3, start_after = $4, output = $5, started_on = NULL,
			completed_on = CASE WHEN $2 = 'failed' THEN NOW() ELSE NULL END
		WHERE id = $1 AND state = 'active'
	`, job.ID, string(next.State), next.RetryCount, next.StartAfter, next.Output)
	if err != nil {
		return dbError("fail", job.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail %s: job is not active", job.ID)
	}
	return nil
}

// Maintain expires stuck active jobs and purges old rows.
func (q *PostgresQueue) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	tag, err := q.db.Exec(ctx, `
		UPDATE jobqueue.job SET
			state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
			start_after = CASE WHEN retry_count < retry_limit
				THEN NOW() + make_interval(secs => retry_delay_seconds) ELSE start_after END,
			completed_on = CASE WHEN retry_count < retry_limit THEN NULL ELSE NOW() END,
			started_on = NULL,
			output = $1
		WHERE state = 'active' AND started_on + make_interval(secs => expire_in_seconds) < NOW()
	`, errExpired.Error())
	if err != nil {
		return res, dbError("expire", "", err)
	}
	res.Expired = tag.RowsAffected()

	if q.defaults.Retention > 0 {
		tag, err = q.db.Exec(ctx, `
			DELETE FROM jobqueue.job
			WHERE state IN ('created', 'retry') AND created_on < NOW() - make_interval(secs => $1)
		`, q.defaults.Retention.Seconds())
		if err != nil {
			return res, dbError("purge unprocessed", "", err)
		}
		res.Deleted += tag.RowsAffected()
	}
	if q.defaults.DeleteAfter > 0 {
		tag, err = q.db.Exec(ctx, `
			DELETE FROM jobqueue.job
			WHERE state IN ('completed', 'failed') AND completed_on < NOW() - make_interval(secs => $1)
		`, q.defaults.DeleteAfter.Seconds())
		if err != nil {
			return res, dbError("purge finished", "", err)
		}
		res.Deleted += tag.RowsAffected()
	}
	return res, nil
}

func (q *PostgresQueue) Depth(ctx context.Context, name string) (Depth, error) {
	d := Depth{Queue: name}
	err := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('created', 'retry')),
			COUNT(*) FILTER (WHERE state = 'active')
		FROM jobqueue.job WHERE name = $1
	`, name).Scan(&d.Queued, &d.Active)
	if err != nil {
		return d, dbError("depth", name, err)
	}
	return d, nil
}

// ThreadActivity aggregates thread queue and response history per deployment.
func (q *PostgresQueue) ThreadActivity(ctx context.Context) ([]models.ActivityRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT deployment, MAX(created_on), COUNT(*)
		FROM (
			SELECT
				CASE WHEN name = $1 THEN data->'routingMetadata'->>'deploymentName'
				ELSE substr(name, $2) END AS deployment,
				created_on
			FROM jobqueue.job
			WHERE name LIKE 'thread\_message\_%' OR name = $1
		) history
		WHERE deployment IS NOT NULL AND deployment <> ''
		GROUP BY deployment
		ORDER BY deployment
	`, models.ThreadResponseQueue, len(models.ThreadQueuePrefix)+1)
	if err != nil {
		return nil, dbError("thread activity", "", err)
	}
	defer rows.Close()

	var out []models.ActivityRecord
	for rows.Next() {
		var rec models.ActivityRecord
		if err := rows.Scan(&rec.DeploymentName, &rec.LastActivity, &rec.MessageCount); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("thread activity", "", err)
	}
	return out, nil
}

// Close is a no-op; the pool belongs to the store.
func (q *PostgresQueue) Close() {}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                    models.Job
		payload                []byte
		state                  string
		retryDelay, expireIn   int
		startedOn, completedOn pgtype.Timestamptz
		output                 pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Name, &job.Priority, &payload, &state, &job.RetryLimit, &job.RetryCount,
		&retryDelay, &job.RetryBackoff, &expireIn, &job.Owner, &job.StartAfter,
		&startedOn, &completedOn, &job.CreatedOn, &output); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payload, &job.Data); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.State = models.JobState(state)
	job.RetryDelay = time.Duration(retryDelay) * time.Second
	job.ExpireIn = time.Duration(expireIn) * time.Second
	job.StartedOn = timePtr(startedOn)
	job.CompletedOn = timePtr(completedOn)
	job.Output = textPtr(output)
	return job, nil
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func dbError(op, queue string, err error) error {
	return errs.Wrap(errs.KindDatabaseConnectionFailed, op, queue, err)
}
