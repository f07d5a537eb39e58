// Package eventsub decodes and authenticates Twitch EventSub webhook deliveries.
package eventsub

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind names an event variant by its EventSub subscription type.
type Kind string

const (
	KindOnline  Kind = "stream.online"
	KindUpdate  Kind = "channel.update"
	KindOffline Kind = "stream.offline"
	KindUnknown Kind = "unknown"
)

// Broadcaster identifies the channel an event belongs to.
type Broadcaster struct {
	ID    string `json:"broadcaster_user_id"`
	Login string `json:"broadcaster_user_login"`
	Name  string `json:"broadcaster_user_name"`
}

// Event is one of StreamOnline, StreamUpdate, StreamOffline or Unknown.
type Event interface {
	Kind() Kind
	Channel() Broadcaster
	OccurredAt() time.Time
	isEvent()
}

// StreamOnline reports a stream going live. Title and Categories are not part of the
// EventSub payload; they are filled from Helix when available.
type StreamOnline struct {
	Broadcaster
	StreamID   string    `json:"id"`
	Type       string    `json:"type"`
	StartedAt  time.Time `json:"started_at"`
	Title      string    `json:"title,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	At         time.Time `json:"-"`
}

// StreamUpdate reports changed channel metadata. An empty Title or nil Categories
// means "unchanged".
type StreamUpdate struct {
	Broadcaster
	Title      string    `json:"title"`
	Language   string    `json:"language,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	At         time.Time `json:"-"`
}

// StreamOffline reports a stream ending.
type StreamOffline struct {
	Broadcaster
	At time.Time `json:"-"`
}

// Unknown carries a subscription type this service does not act on.
type Unknown struct {
	Broadcaster
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw,omitempty"`
	At   time.Time       `json:"-"`
}

func (e StreamOnline) Kind() Kind { return KindOnline }
func (e StreamOnline) Channel() Broadcaster { return e.Broadcaster }
func (e StreamOnline) OccurredAt() time.Time { return e.At }
func (StreamOnline) isEvent() {}
func (e StreamUpdate) Kind() Kind { return KindUpdate }
func (e StreamUpdate) Channel() Broadcaster { return e.Broadcaster }
func (e StreamUpdate) OccurredAt() time.Time { return e.At }
func (StreamUpdate) isEvent() {}
func (e StreamOffline) Kind() Kind { return KindOffline }
func (e StreamOffline) Channel() Broadcaster { return e.Broadcaster }
func (e StreamOffline) OccurredAt() time.Time { return e.At }
func (StreamOffline) isEvent() {}
func (e Unknown) Kind() Kind { return KindUnknown }
func (e Unknown) Channel() Broadcaster { return e.Broadcaster }
func (e Unknown) OccurredAt() time.Time { return e.At }
func (Unknown) isEvent() {}

// wire shape of channel.update v2
type channelUpdatePayload struct {
	Broadcaster
	Title        string `json:"title"`
	Language     string `json:"language"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

func decodeEvent(subType string, raw json.RawMessage, at time.Time) (Event, error) {
	switch Kind(subType) {
	case KindOnline:
		var e StreamOnline
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		e.At = at
		return e, nil
	case KindUpdate:
		var p channelUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		e := StreamUpdate{Broadcaster: p.Broadcaster, Title: p.Title, Language: p.Language, At: at}
		if p.CategoryName != "" {
			e.Categories = []string{p.CategoryName}
		}
		return e, nil
	case KindOffline:
		var e StreamOffline
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		e.At = at
		return e, nil
	default:
		var b Broadcaster
		// best effort; unknown payloads may not name a broadcaster
		_ = json.Unmarshal(raw, &b)
		return Unknown{Broadcaster: b, Type: subType, Raw: raw, At: at}, nil
	}
}
