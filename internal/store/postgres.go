package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
)

// Postgres implements Repository on a pgx connection pool. Payloads and
// filters are stored as JSONB; every write spans a single row.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres connects a pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) InsertEvent(ctx context.Context, ev *event.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO events
			(id, event_type, category, priority, severity, created_at,
			 source_user_id, target_user_id, data, metadata, expires_at,
			 retry_count, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.Type, ev.Category(), ev.Priority, ev.Severity, ev.CreatedAt,
		nullable(ev.SourceUserID), nullable(ev.TargetUserID), data, meta, ev.ExpiresAt,
		ev.RetryCount, ev.MaxRetries)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: event %s already exists", event.ErrConflict, ev.ID)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		ev         event.Event
		category   string
		srcUser    *string
		tgtUser    *string
		data, meta []byte
	)
	err := row.Scan(&ev.ID, &ev.Type, &category, &ev.Priority, &ev.Severity,
		&ev.CreatedAt, &srcUser, &tgtUser, &data, &meta, &ev.ExpiresAt,
		&ev.RetryCount, &ev.MaxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: event", event.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if srcUser != nil {
		ev.SourceUserID = *srcUser
	}
	if tgtUser != nil {
		ev.TargetUserID = *tgtUser
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return &ev, nil
}

const eventColumns = `id, event_type, category, priority, severity, created_at,
	source_user_id, target_user_id, data, metadata, expires_at, retry_count, max_retries`

func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

// buildEventWhere renders an EventQuery into a WHERE clause with positional
// args starting at $1.
func buildEventWhere(q EventQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !q.Start.IsZero() {
		add("created_at >= $%d", q.Start)
	}
	if !q.End.IsZero() {
		add("created_at <= $%d", q.End)
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if len(q.Categories) > 0 {
		cats := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			cats[i] = string(c)
		}
		add("category = ANY($%d)", cats)
	}
	if len(q.Severities) > 0 {
		sevs := make([]string, len(q.Severities))
		for i, s := range q.Severities {
			sevs[i] = string(s)
		}
		add("severity = ANY($%d)", sevs)
	}
	if q.UserID != "" {
		add("source_user_id = $%d", q.UserID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *Postgres) QueryEvents(ctx context.Context, q EventQuery) ([]*event.Event, error) {
	where, args := buildEventWhere(q)
	order := " ORDER BY created_at ASC"
	if q.Descending {
		order = " ORDER BY created_at DESC"
	}
	sql := `SELECT ` + eventColumns + ` FROM events` + where + order
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) CountEvents(ctx context.Context, q EventQuery) (int, error) {
	where, args := buildEventWhere(q)
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (p *Postgres) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertSubscription(ctx context.Context, sub *event.Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_subscriptions
			(id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sub.ID, sub.UserID, nullable(sub.SessionID), filter, sub.IsActive,
		sub.CreatedAt, sub.UpdatedAt, sub.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: subscription %s already exists", event.ErrConflict, sub.ID)
	}
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSubscription(ctx context.Context, sub *event.Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE event_subscriptions
		SET session_id = $2, filter = $3, is_active = $4, updated_at = $5, expires_at = $6
		WHERE id = $1`,
		sub.ID, nullable(sub.SessionID), filter, sub.IsActive, sub.UpdatedAt, sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subscription %s", event.ErrNotFound, sub.ID)
	}
	return nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at`

func scanSubscription(row pgx.Row) (*event.Subscription, error) {
	var (
		sub       event.Subscription
		sessionID *string
		filter    []byte
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sessionID, &filter, &sub.IsActive,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription", event.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if sessionID != nil {
		sub.SessionID = *sessionID
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &sub.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	return &sub, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, id uuid.UUID) (*event.Subscription, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (p *Postgres) listSubscriptions(ctx context.Context, sql string, args ...any) ([]*event.Subscription, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*event.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptionsForUser(ctx context.Context, userID string) ([]*event.Subscription, error) {
	return p.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (p *Postgres) ListActiveSubscriptions(ctx context.Context) ([]*event.Subscription, error) {
	return p.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM event_subscriptions
		 WHERE is_active AND (expires_at IS NULL OR expires_at > now())`)
}

func (p *Postgres) DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM event_subscriptions WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertDelivery(ctx context.Context, rec *event.DeliveryRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_deliveries
			(id, event_id, subscription_id, user_id, session_id, method, status,
			 attempts, max_attempts, last_attempt_at, delivered_at, failed_at,
			 retry_after, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, rec.EventID, rec.SubscriptionID, rec.UserID, nullable(rec.SessionID),
		rec.Method, rec.Status, rec.Attempts, rec.MaxAttempts,
		rec.LastAttemptAt, rec.DeliveredAt, rec.FailedAt, rec.RetryAfter,
		nullable(rec.ErrorMessage), rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: delivery %s already exists", event.ErrConflict, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDelivery(ctx context.Context, rec *event.DeliveryRecord) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE event_deliveries
		SET status = $2, attempts = $3, last_attempt_at = $4, delivered_at = $5,
		    failed_at = $6, retry_after = $7, error_message = $8
		WHERE id = $1`,
		rec.ID, rec.Status, rec.Attempts, rec.LastAttemptAt, rec.DeliveredAt,
		rec.FailedAt, rec.RetryAfter, nullable(rec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: delivery %s", event.ErrNotFound, rec.ID)
	}
	return nil
}

const deliveryColumns = `id, event_id, subscription_id, user_id, session_id, method, status,
	attempts, max_attempts, last_attempt_at, delivered_at, failed_at, retry_after, error_message, created_at`

func scanDelivery(row pgx.Row) (*event.DeliveryRecord, error) {
	var (
		rec       event.DeliveryRecord
		sessionID *string
		errMsg    *string
	)
	err := row.Scan(&rec.ID, &rec.EventID, &rec.SubscriptionID, &rec.UserID, &sessionID,
		&rec.Method, &rec.Status, &rec.Attempts, &rec.MaxAttempts,
		&rec.LastAttemptAt, &rec.DeliveredAt, &rec.FailedAt, &rec.RetryAfter,
		&errMsg, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: delivery", event.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	if sessionID != nil {
		rec.SessionID = *sessionID
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	return &rec, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id uuid.UUID) (*event.DeliveryRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM event_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (p *Postgres) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*event.DeliveryRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM event_deliveries
		WHERE status = 'retrying' AND attempts < max_attempts
		  AND (retry_after IS NULL OR retry_after <= $1)
		ORDER BY retry_after NULLS FIRST
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var out []*event.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM event_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertReplay(ctx context.Context, rs *event.ReplaySession) error {
	filter, err := json.Marshal(rs.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_replays
			(id, user_id, name, description, filter, start_time, end_time,
			 speed_multiplier, status, progress, total_events, processed_events,
			 created_at, started_at, completed_at, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rs.ID, rs.UserID, rs.Name, nullable(rs.Description), filter,
		rs.StartTime, rs.EndTime, rs.Speed, rs.Status, rs.Progress,
		rs.TotalEvents, rs.ProcessedEvents, rs.CreatedAt, rs.StartedAt,
		rs.CompletedAt, nullable(rs.ErrorMessage))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: replay %s already exists", event.ErrConflict, rs.ID)
	}
	if err != nil {
		return fmt.Errorf("insert replay: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateReplay(ctx context.Context, rs *event.ReplaySession) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE event_replays
		SET status = $2, progress = $3, total_events = $4, processed_events = $5,
		    started_at = $6, completed_at = $7, error_message = $8
		WHERE id = $1`,
		rs.ID, rs.Status, rs.Progress, rs.TotalEvents, rs.ProcessedEvents,
		rs.StartedAt, rs.CompletedAt, nullable(rs.ErrorMessage))
	if err != nil {
		return fmt.Errorf("update replay: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: replay %s", event.ErrNotFound, rs.ID)
	}
	return nil
}

const replayColumns = `id, user_id, name, description, filter, start_time, end_time,
	speed_multiplier, status, progress, total_events, processed_events,
	created_at, started_at, completed_at, error_message`

func scanReplay(row pgx.Row) (*event.ReplaySession, error) {
	var (
		rs          event.ReplaySession
		description *string
		filter      []byte
		errMsg      *string
	)
	err := row.Scan(&rs.ID, &rs.UserID, &rs.Name, &description, &filter,
		&rs.StartTime, &rs.EndTime, &rs.Speed, &rs.Status, &rs.Progress,
		&rs.TotalEvents, &rs.ProcessedEvents, &rs.CreatedAt, &rs.StartedAt,
		&rs.CompletedAt, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: replay", event.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan replay: %w", err)
	}
	if description != nil {
		rs.Description = *description
	}
	if errMsg != nil {
		rs.ErrorMessage = *errMsg
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &rs.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	return &rs, nil
}

func (p *Postgres) GetReplay(ctx context.Context, id uuid.UUID) (*event.ReplaySession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+replayColumns+` FROM event_replays WHERE id = $1`, id)
	return scanReplay(row)
}

func (p *Postgres) ListReplaysForUser(ctx context.Context, userID string) ([]*event.ReplaySession, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+replayColumns+` FROM event_replays WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query replays: %w", err)
	}
	defer rows.Close()

	var out []*event.ReplaySession
	for rows.Next() {
		rs, err := scanReplay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveNamedFilter(ctx context.Context, name, userID string, f event.Filter) error {
	filter, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_filters (name, user_id, filter)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id, name) DO UPDATE SET filter = EXCLUDED.filter`,
		name, userID, filter)
	if err != nil {
		return fmt.Errorf("save named filter: %w", err)
	}
	return nil
}

func (p *Postgres) GetNamedFilter(ctx context.Context, name, userID string) (event.Filter, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT filter FROM event_filters WHERE user_id = $1 AND name = $2`, userID, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Filter{}, fmt.Errorf("%w: filter %q", event.ErrNotFound, name)
	}
	if err != nil {
		return event.Filter{}, fmt.Errorf("get named filter: %w", err)
	}
	var f event.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return event.Filter{}, fmt.Errorf("unmarshal filter: %w", err)
	}
	return f, nil
}

func (p *Postgres) DeleteNamedFilter(ctx context.Context, name, userID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM event_filters WHERE user_id = $1 AND name = $2`, userID, name)
	if err != nil {
		return fmt.Errorf("delete named filter: %w", err)
	}
	return nil
}
