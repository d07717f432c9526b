// Package postgres provides the Postgres-backed Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements monitor.Store on Postgres. Listings, targets, and
// subscribers are stored as JSONB documents alongside the columns the
// engine queries; outbox rows carry their mutable delivery state in
// dedicated columns so claims can use FOR UPDATE SKIP LOCKED.
type Store struct {
	pool  db
	retry store.RetryPolicy
	clock monitor.Clock
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config, clock monitor.Clock, retry store.RetryPolicy) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.path (postgres dsn) is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, retry: retry, clock: clock}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool db, clock monitor.Clock, retry store.RetryPolicy) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, retry: retry, clock: clock}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	source       TEXT        NOT NULL,
	listing_id   TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	version      BIGINT      NOT NULL,
	field_hash   TEXT        NOT NULL DEFAULT '',
	last_seen_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	doc          JSONB       NOT NULL,
	PRIMARY KEY (source, listing_id)
);

CREATE TABLE IF NOT EXISTS polling_targets (
	id           TEXT        PRIMARY KEY,
	next_poll_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL,
	doc          JSONB       NOT NULL
);

CREATE TABLE IF NOT EXISTS subscribers (
	id  TEXT  PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS change_events (
	event_id         TEXT        PRIMARY KEY,
	seq              BIGSERIAL,
	listing_id       TEXT        NOT NULL,
	source           TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	retry_count      INT         NOT NULL DEFAULT 0,
	last_retry_at    TIMESTAMPTZ,
	next_attempt_at  TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	doc              JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS change_events_claim_idx
	ON change_events (status, next_attempt_at, seq);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetListing returns a canonical listing or monitor.ErrNotFound.
func (s *Store) GetListing(ctx context.Context, source, listingID string) (*monitor.CanonicalListing, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM listings WHERE source = $1 AND listing_id = $2`,
		source, listingID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, monitor.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select listing: %w", err)
	}
	var l monitor.CanonicalListing
	if err := json.Unmarshal(doc, &l); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return &l, nil
}

// ListListings returns all listings for a source ordered by listing ID.
func (s *Store) ListListings(ctx context.Context, source string) ([]monitor.CanonicalListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM listings WHERE source = $1 ORDER BY listing_id`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var out []monitor.CanonicalListing
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		var l monitor.CanonicalListing
		if err := json.Unmarshal(doc, &l); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

const upsertListingSQL = `
INSERT INTO listings (source, listing_id, status, version, field_hash, last_seen_at, updated_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source, listing_id) DO UPDATE SET
	status = EXCLUDED.status,
	version = EXCLUDED.version,
	field_hash = EXCLUDED.field_hash,
	last_seen_at = EXCLUDED.last_seen_at,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertListing(ctx context.Context, ex execer, l monitor.CanonicalListing) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode listing: %w", err)
	}
	if _, err := ex.Exec(ctx, upsertListingSQL,
		l.Source, l.ListingID, string(l.Status), l.Version, l.FieldHash,
		l.LastSeenAt, l.UpdatedAt, doc,
	); err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// UpsertListing stores a canonical listing.
func (s *Store) UpsertListing(ctx context.Context, listing monitor.CanonicalListing) error {
	return upsertListing(ctx, s.pool, listing)
}

// MarkListingRemoved flips a listing to REMOVED and bumps its version.
func (s *Store) MarkListingRemoved(ctx context.Context, source, listingID string, detectedAt time.Time) error {
	l, err := s.GetListing(ctx, source, listingID)
	if err != nil {
		return err
	}
	l.Status = monitor.ListingStatusRemoved
	l.LastSeenAt = detectedAt
	l.UpdatedAt = detectedAt
	l.Version++
	return upsertListing(ctx, s.pool, *l)
}

// GetTarget returns a polling target or monitor.ErrNotFound.
func (s *Store) GetTarget(ctx context.Context, id string) (*monitor.PollingTarget, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM polling_targets WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, monitor.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select target: %w", err)
	}
	var t monitor.PollingTarget
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return &t, nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(ctx context.Context) ([]monitor.PollingTarget, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM polling_targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select targets: %w", err)
	}
	defer rows.Close()

	var out []monitor.PollingTarget
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		var t monitor.PollingTarget
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

const upsertTargetSQL = `
INSERT INTO polling_targets (id, next_poll_at, updated_at, doc)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	next_poll_at = EXCLUDED.next_poll_at,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`

func upsertTarget(ctx context.Context, ex execer, t monitor.PollingTarget) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	var nextPoll *time.Time
	if !t.NextPollAt.IsZero() {
		nextPoll = &t.NextPollAt
	}
	if _, err := ex.Exec(ctx, upsertTargetSQL, t.ID, nextPoll, t.UpdatedAt, doc); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// UpsertTarget stores a polling target.
func (s *Store) UpsertTarget(ctx context.Context, target monitor.PollingTarget) error {
	return upsertTarget(ctx, s.pool, target)
}

// DeleteTarget removes a target.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM polling_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// GetSubscriber returns a subscriber or monitor.ErrNotFound.
func (s *Store) GetSubscriber(ctx context.Context, id string) (*monitor.Subscriber, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM subscribers WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, monitor.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select subscriber: %w", err)
	}
	var sub monitor.Subscriber
	if err := json.Unmarshal(doc, &sub); err != nil {
		return nil, fmt.Errorf("decode subscriber: %w", err)
	}
	return &sub, nil
}

// ListSubscribers returns all subscribers ordered by ID.
func (s *Store) ListSubscribers(ctx context.Context) ([]monitor.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select subscribers: %w", err)
	}
	defer rows.Close()

	var out []monitor.Subscriber
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		var sub monitor.Subscriber
		if err := json.Unmarshal(doc, &sub); err != nil {
			return nil, fmt.Errorf("decode subscriber: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}

// UpsertSubscriber stores a subscriber.
func (s *Store) UpsertSubscriber(ctx context.Context, sub monitor.Subscriber) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscriber: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO subscribers (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		sub.ID, doc,
	); err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// DeleteSubscriber removes a subscriber.
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

const insertEventSQL = `
INSERT INTO change_events (event_id, listing_id, source, status, retry_count, next_attempt_at, created_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func insertEvent(ctx context.Context, ex execer, ev monitor.ChangeEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("append events: event id is required")
	}
	if ev.Status == "" {
		ev.Status = monitor.EventStatusPending
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := ex.Exec(ctx, insertEventSQL,
		ev.EventID, ev.ListingID, ev.Source, string(ev.Status),
		ev.RetryCount, ev.NextAttemptAt, ev.CreatedAt, doc,
	); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// AppendEvents persists outbox rows.
func (s *Store) AppendEvents(ctx context.Context, events []monitor.ChangeEvent) error {
	for _, ev := range events {
		if err := insertEvent(ctx, s.pool, ev); err != nil {
			return err
		}
	}
	return nil
}

// Claimable rows: due PENDING, stale IN_FLIGHT, and FAILED rows with
// retries left whose backoff elapsed. Of those, only the earliest
// undelivered event of each source+listing is handed out, so a retry
// can never be overtaken by a later version; dead letters stop gating.
// SKIP LOCKED keeps concurrent dispatchers from double-claiming.
const claimEventsSQL = `
WITH claimable AS (
	SELECT event_id FROM change_events ce
	WHERE ((ce.status = 'PENDING' AND (ce.next_attempt_at IS NULL OR ce.next_attempt_at <= $1))
	   OR (ce.status = 'IN_FLIGHT' AND ce.lease_expires_at < $1)
	   OR (ce.status = 'FAILED' AND ce.retry_count < $2 AND ce.next_attempt_at IS NOT NULL AND ce.next_attempt_at <= $1))
	  AND NOT EXISTS (
		SELECT 1 FROM change_events prior
		WHERE prior.source = ce.source
		  AND prior.listing_id = ce.listing_id
		  AND prior.seq < ce.seq
		  AND prior.status <> 'PROCESSED'
		  AND NOT (prior.status = 'FAILED' AND prior.retry_count >= $2)
	  )
	ORDER BY ce.seq
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE change_events e SET status = 'IN_FLIGHT', lease_expires_at = $4
FROM claimable c
WHERE e.event_id = c.event_id
RETURNING e.doc, e.retry_count, e.last_retry_at, e.next_attempt_at`

// ClaimPendingEvents flips up to limit claimable events to IN_FLIGHT under
// a lease.
func (s *Store) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]monitor.ChangeEvent, error) {
	now := s.clock.Now()
	rows, err := s.pool.Query(ctx, claimEventsSQL, now, s.retry.MaxRetries, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()

	var out []monitor.ChangeEvent
	for rows.Next() {
		var (
			doc         []byte
			retryCount  int
			lastRetry   *time.Time
			nextAttempt *time.Time
		)
		if err := rows.Scan(&doc, &retryCount, &lastRetry, &nextAttempt); err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		var ev monitor.ChangeEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		// The doc is the row as appended; delivery state lives in columns.
		ev.Status = monitor.EventStatusInFlight
		ev.RetryCount = retryCount
		ev.LastRetryAt = lastRetry
		ev.NextAttemptAt = nextAttempt
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	return out, nil
}

// CompleteEvent records a delivery outcome.
func (s *Store) CompleteEvent(ctx context.Context, eventID string, outcome monitor.EventStatus, retryIncrement int) error {
	now := s.clock.Now()
	switch outcome {
	case monitor.EventStatusProcessed:
		tag, err := s.pool.Exec(ctx,
			`UPDATE change_events SET status = 'PROCESSED', next_attempt_at = NULL, lease_expires_at = NULL
			 WHERE event_id = $1`,
			eventID,
		)
		if err != nil {
			return fmt.Errorf("complete event %s: %w", eventID, err)
		}
		if tag.RowsAffected() == 0 {
			return monitor.ErrNotFound
		}
		return nil
	case monitor.EventStatusFailed:
		var retryCount int
		err := s.pool.QueryRow(ctx,
			`UPDATE change_events
			 SET status = 'FAILED', retry_count = retry_count + $2, last_retry_at = $3, lease_expires_at = NULL
			 WHERE event_id = $1
			 RETURNING retry_count`,
			eventID, retryIncrement, now,
		).Scan(&retryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("fail event %s: %w", eventID, err)
		}
		var nextAttempt *time.Time
		if !s.retry.Exhausted(retryCount) {
			next := now.Add(s.retry.NextDelay(retryCount))
			nextAttempt = &next
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE change_events SET next_attempt_at = $2 WHERE event_id = $1`,
			eventID, nextAttempt,
		); err != nil {
			return fmt.Errorf("schedule retry for event %s: %w", eventID, err)
		}
		return nil
	default:
		return fmt.Errorf("complete event %s: invalid outcome %q", eventID, outcome)
	}
}

// ListDeadLetters returns FAILED events past the retry cap.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]monitor.ChangeEvent, error) {
	query := `SELECT doc, retry_count, last_retry_at FROM change_events
		WHERE status = 'FAILED' AND retry_count >= $1 ORDER BY seq`
	args := []any{s.retry.MaxRetries}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}
	defer rows.Close()

	var out []monitor.ChangeEvent
	for rows.Next() {
		var (
			doc        []byte
			retryCount int
			lastRetry  *time.Time
		)
		if err := rows.Scan(&doc, &retryCount, &lastRetry); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var ev monitor.ChangeEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Status = monitor.EventStatusFailed
		ev.RetryCount = retryCount
		ev.LastRetryAt = lastRetry
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// RequeueEvent puts a dead-lettered event back into rotation.
func (s *Store) RequeueEvent(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE change_events
		 SET status = 'PENDING', retry_count = 0, next_attempt_at = NULL, lease_expires_at = NULL
		 WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("requeue event %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// CommitPollOutcome persists target state, listing mutations, and outbox
// events in one transaction.
func (s *Store) CommitPollOutcome(
	ctx context.Context,
	target monitor.PollingTarget,
	listings []monitor.CanonicalListing,
	events []monitor.ChangeEvent,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin poll outcome: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertTarget(ctx, tx, target); err != nil {
		return err
	}
	for _, l := range listings {
		if err := upsertListing(ctx, tx, l); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit poll outcome: %w", err)
	}
	return nil
}
