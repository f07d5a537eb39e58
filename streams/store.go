package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/stitch/ledger"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of the stream state store.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// WithinTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Channels

const channelColumns = `id, twitch_id, login, display_name, profile_image_url, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var c Channel
	if err := row.Scan(&c.ID, &c.TwitchID, &c.Login, &c.DisplayName, &c.ProfileImageURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ChannelByTwitchID(ctx context.Context, twitchID string) (*Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE twitch_id=$1`, twitchID))
}

func (s *Store) ChannelByLogin(ctx context.Context, login string) (*Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE login=lower($1)`, login))
}

func (s *Store) ChannelByID(ctx context.Context, id int64) (*Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id=$1`, id))
}

// UpsertChannel inserts or refreshes a channel keyed by its Twitch id and fills in
// the stored id and timestamps.
func (s *Store) UpsertChannel(ctx context.Context, c *Channel) error {
	row := s.db.QueryRowContext(ctx, `INSERT INTO channels (twitch_id, login, display_name, profile_image_url)
		VALUES ($1, lower($2), $3, $4)
		ON CONFLICT (twitch_id) DO UPDATE SET login=EXCLUDED.login, display_name=EXCLUDED.display_name,
			profile_image_url=EXCLUDED.profile_image_url, updated_at=NOW()
		RETURNING `+channelColumns, c.TwitchID, c.Login, c.DisplayName, c.ProfileImageURL)
	got, err := scanChannel(row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: login %s belongs to another channel", ErrConflict, c.Login)
		}
		return err
	}
	*c = *got
	return nil
}

// DeleteChannel removes a channel by login; its streams and diagnostic events cascade.
func (s *Store) DeleteChannel(ctx context.Context, login string) (*Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `DELETE FROM channels WHERE login=lower($1) RETURNING `+channelColumns, login))
}

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Streams

const streamColumns = `id, channel_id, twitch_stream_id, title, categories, started_at, ended_at, last_updated,
	announcement_message_id, announcement_pending, events`

func scanStream(row interface{ Scan(...any) error }) (*Stream, error) {
	var (
		st         Stream
		categories []byte
		events     []byte
		endedAt    sql.NullTime
		announceID sql.NullString
	)
	err := row.Scan(&st.ID, &st.ChannelID, &st.TwitchStreamID, &st.Title, &categories, &st.StartedAt, &endedAt,
		&st.LastUpdated, &announceID, &st.AnnouncementPending, &events)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(categories) > 0 && string(categories) != "null" {
		if err := json.Unmarshal(categories, &st.Categories); err != nil {
			return nil, fmt.Errorf("decode categories of stream %d: %w", st.ID, err)
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &st.Events); err != nil {
			return nil, fmt.Errorf("decode events of stream %d: %w", st.ID, err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		st.EndedAt = &t
	}
	st.StartedAt = st.StartedAt.UTC()
	st.LastUpdated = st.LastUpdated.UTC()
	st.AnnouncementID = announceID.String
	return &st, nil
}

func queryStreams(ctx context.Context, q queryer, where string, args ...any) ([]Stream, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Store) GetStream(ctx context.Context, id int64) (*Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id=$1`, id))
}

// OpenStreams lists every stream that has not ended.
func (s *Store) OpenStreams(ctx context.Context) ([]Stream, error) {
	return queryStreams(ctx, s.db, `WHERE ended_at IS NULL ORDER BY id`)
}

// PendingAnnouncements lists streams whose announcement gave up retrying.
func (s *Store) PendingAnnouncements(ctx context.Context) ([]Stream, error) {
	return queryStreams(ctx, s.db, `WHERE announcement_pending ORDER BY last_updated`)
}

// SetAnnouncement stores the Discord message id and clears the pending flag.
func (s *Store) SetAnnouncement(ctx context.Context, streamID int64, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET announcement_message_id=$2, announcement_pending=FALSE WHERE id=$1`, streamID, messageID)
	return expectRow(res, err)
}

// ClearAnnouncementPending clears the pending flag without touching the handle.
func (s *Store) ClearAnnouncementPending(ctx context.Context, streamID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET announcement_pending=FALSE WHERE id=$1`, streamID)
	return expectRow(res, err)
}

func (s *Store) MarkAnnouncementPending(ctx context.Context, streamID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET announcement_pending=TRUE WHERE id=$1`, streamID)
	return expectRow(res, err)
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChannelEvents returns the newest diagnostic records for a channel.
func (s *Store) ChannelEvents(ctx context.Context, channelID int64, limit int) ([]ChannelEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, kind, occurred_at, message_id, reason, payload
		FROM channel_events WHERE channel_id=$1 ORDER BY id DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelEvent
	for rows.Next() {
		var e ChannelEvent
		var payload []byte
		if err := rows.Scan(&e.ChannelID, &e.Kind, &e.OccurredAt, &e.MessageID, &e.Reason, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ledger

func (s *Store) DeliveryApplied(ctx context.Context, messageID string, now time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM applied_deliveries WHERE message_id=$1 AND expires_at > $2)`, messageID, now).Scan(&ok)
	return ok, err
}

func (s *Store) PruneDeliveries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applied_deliveries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// pgTx implements Tx over a database/sql transaction.
type pgTx struct {
	q queryer
}

// InsertDelivery claims a message id. Concurrent claims of the same id block on the
// primary key; the loser sees the committed row and its conditional update matches nothing.
func (t *pgTx) InsertDelivery(ctx context.Context, d ledger.Delivery) (bool, error) {
	var id string
	err := t.q.QueryRowContext(ctx, `INSERT INTO applied_deliveries (message_id, kind, channel_twitch_id, applied_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO UPDATE SET kind=EXCLUDED.kind, channel_twitch_id=EXCLUDED.channel_twitch_id,
			applied_at=EXCLUDED.applied_at, expires_at=EXCLUDED.expires_at
		WHERE applied_deliveries.expires_at <= EXCLUDED.applied_at
		RETURNING message_id`, d.MessageID, d.Kind, d.ChannelID, d.AppliedAt, d.ExpiresAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) LockChannel(ctx context.Context, channelID int64) error {
	var id int64
	err := t.q.QueryRowContext(ctx, `SELECT id FROM channels WHERE id=$1 FOR UPDATE`, channelID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *pgTx) OpenStream(ctx context.Context, channelID int64) (*Stream, error) {
	return scanStream(t.q.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE channel_id=$1 AND ended_at IS NULL`, channelID))
}

func (t *pgTx) StreamByTwitchID(ctx context.Context, twitchStreamID string) (*Stream, error) {
	return scanStream(t.q.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE twitch_stream_id=$1`, twitchStreamID))
}

func (t *pgTx) InsertStream(ctx context.Context, st *Stream) error {
	categories, err := encodeCategories(st.Categories)
	if err != nil {
		return err
	}
	events := st.Events
	if events == nil {
		events = []EventRecord{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	err = t.q.QueryRowContext(ctx, `INSERT INTO streams (channel_id, twitch_stream_id, title, categories, started_at, ended_at,
			last_updated, announcement_message_id, announcement_pending, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10) RETURNING id`,
		st.ChannelID, st.TwitchStreamID, st.Title, categories, st.StartedAt, nullTime(st.EndedAt),
		st.LastUpdated, st.AnnouncementID, st.AnnouncementPending, eventsJSON).Scan(&st.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stream %s", ErrConflict, st.TwitchStreamID)
		}
		return err
	}
	return nil
}

func (t *pgTx) UpdateStream(ctx context.Context, st *Stream, appended ...EventRecord) error {
	categories, err := encodeCategories(st.Categories)
	if err != nil {
		return err
	}
	if appended == nil {
		appended = []EventRecord{}
	}
	appendJSON, err := json.Marshal(appended)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE streams SET title=$2, categories=$3, ended_at=$4, last_updated=$5,
			events = events || $6::jsonb, announcement_pending = announcement_pending OR $7
		WHERE id=$1`,
		st.ID, st.Title, categories, nullTime(st.EndedAt), st.LastUpdated, appendJSON, st.AnnouncementPending)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stream %s", ErrConflict, st.TwitchStreamID)
		}
		return err
	}
	return expectRow(res, nil)
}

func (t *pgTx) AppendChannelEvent(ctx context.Context, e ChannelEvent) error {
	var payload any
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}
	_, err := t.q.ExecContext(ctx, `INSERT INTO channel_events (channel_id, kind, occurred_at, message_id, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`, e.ChannelID, e.Kind, e.OccurredAt, e.MessageID, e.Reason, payload)
	return err
}

func encodeCategories(categories []string) (any, error) {
	if categories == nil {
		return nil, nil
	}
	b, err := json.Marshal(categories)
	if err != nil {
		return nil, fmt.Errorf("encode categories: %w", err)
	}
	return b, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
