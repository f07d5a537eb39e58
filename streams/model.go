// Package streams persists tracked channels, their live sessions and the
// diagnostic event log.
package streams

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/stitch/ledger"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("streams: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("streams: conflict")
)

// Channel is a tracked Twitch broadcaster.
type Channel struct {
	ID              int64     `json:"id"`
	TwitchID        string    `json:"twitch_id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EventRecord is one entry in a stream's append-only log.
type EventRecord struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Stream is one live session. EndedAt is nil while live.
type Stream struct {
	ID                  int64
	ChannelID           int64
	TwitchStreamID      string
	Title               string
	Categories          []string
	StartedAt           time.Time
	EndedAt             *time.Time
	LastUpdated         time.Time
	AnnouncementID      string
	AnnouncementPending bool
	Events              []EventRecord
}

// Live reports whether the stream has not ended.
func (s *Stream) Live() bool { return s != nil && s.EndedAt == nil }

// Clone returns a deep copy so callers can mutate without aliasing the original.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	if s.Categories != nil {
		c.Categories = append([]string(nil), s.Categories...)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Events = append([]EventRecord(nil), s.Events...)
	return &c
}

// ChannelEvent is a diagnostic record for deliveries that changed nothing.
type ChannelEvent struct {
	ChannelID  int64
	Kind       string
	OccurredAt time.Time
	MessageID  string
	Reason     string
	Payload    json.RawMessage
}

// Tx is the set of operations available inside one per-delivery transaction.
type Tx interface {
	ledger.Entries

	// LockChannel takes a row lock on the channel for the rest of the transaction.
	LockChannel(ctx context.Context, channelID int64) error
	OpenStream(ctx context.Context, channelID int64) (*Stream, error)
	StreamByTwitchID(ctx context.Context, twitchStreamID string) (*Stream, error)
	InsertStream(ctx context.Context, s *Stream) error
	// UpdateStream writes the mutable fields of s and appends records to its log.
	// The announcement-pending flag can be raised here but never cleared.
	UpdateStream(ctx context.Context, s *Stream, appended ...EventRecord) error
	AppendChannelEvent(ctx context.Context, e ChannelEvent) error
}
