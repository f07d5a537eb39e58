// Package lifecycle applies EventSub deliveries to stored stream state and drives
// the matching announcement side effects.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/stitch/announce"
	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/streams"
)

// State is a channel's state: Idle without an open stream, Live with one.
type State int

const (
	StateIdle State = iota
	StateLive
)

func (s State) String() string {
	if s == StateLive {
		return "live"
	}
	return "idle"
}

// Outcome describes what a transition did to stored state.
type Outcome int

const (
	// OutcomeApplied changed stream fields.
	OutcomeApplied Outcome = iota
	// OutcomeStale was older than the stream's state; it is logged but changes nothing.
	OutcomeStale
	// OutcomeIgnored had no stream to act on and is only kept as a channel diagnostic.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	default:
		return "ignored"
	}
}

// Diagnostic reasons.
const (
	ReasonNoOpenStream   = "no open stream"
	ReasonStreamEnded    = "stream already ended"
	ReasonUnsupported    = "unsupported event type"
	ReasonOutOfOrder     = "older than last update"
	ReasonSupersededBy   = "superseded by a new stream"
	reasonRolloverRecord = "superseded"
)

// Snapshot is the stored state a delivery is applied to. Open is the channel's open
// stream, or nil. Prior is the stream already carrying an online event's stream id,
// when that is not Open.
type Snapshot struct {
	ChannelID int64
	Open      *streams.Stream
	Prior     *streams.Stream
}

// Input is one authenticated, first-seen delivery.
type Input struct {
	MessageID string
	Event     eventsub.Event
}

// Intent asks the announcer to act on a stream after commit.
type Intent struct {
	Action announce.Action
	Stream *streams.Stream
}

// Transition is the full effect of one delivery. Apply never mutates its inputs;
// the caller persists Closed, Stream and Diagnostic in one transaction and only then
// dispatches Intents in order.
type Transition struct {
	From, To State
	Outcome  Outcome
	Reason   string

	// Closed is an open stream finalized because a different stream went online.
	Closed       *streams.Stream
	ClosedRecord *streams.EventRecord

	// Stream is the stream the delivery was applied to; Created means it must be inserted.
	Stream  *streams.Stream
	Created bool
	Record  *streams.EventRecord

	Diagnostic *streams.ChannelEvent
	Intents    []Intent
}

// Apply computes the transition for in against snap.
func Apply(snap Snapshot, in Input) (Transition, error) {
	if in.Event == nil {
		return Transition{}, fmt.Errorf("%w: delivery %s has no event", ErrInvalidTransition, in.MessageID)
	}
	from := StateIdle
	if snap.Open.Live() {
		from = StateLive
	} else {
		snap.Open = nil
	}

	switch ev := in.Event.(type) {
	case eventsub.StreamOnline:
		return applyOnline(snap, in, ev, from)
	case eventsub.StreamUpdate:
		return applyUpdate(snap, in, ev, from)
	case eventsub.StreamOffline:
		return applyOffline(snap, in, ev, from)
	case eventsub.Unknown:
		return ignored(snap, in, from, ReasonUnsupported), nil
	default:
		return Transition{}, fmt.Errorf("%w: event %T", ErrInvalidTransition, in.Event)
	}
}

func applyOnline(snap Snapshot, in Input, ev eventsub.StreamOnline, from State) (Transition, error) {
	rec, err := newRecord(in, ev)
	if err != nil {
		return Transition{}, err
	}
	if snap.Prior != nil && !snap.Prior.Live() && ev.StreamID != "" && snap.Prior.TwitchStreamID == ev.StreamID {
		t := ignored(snap, in, from, ReasonStreamEnded)
		t.Outcome = OutcomeStale
		return t, nil
	}

	open := snap.Open
	if open != nil && (ev.StreamID == "" || ev.StreamID == open.TwitchStreamID) {
		next := open.Clone()
		next.Events = append(next.Events, rec)
		t := Transition{From: from, To: StateLive, Stream: next, Record: &rec}
		if ev.At.Before(open.LastUpdated) {
			t.Outcome, t.Reason = OutcomeStale, ReasonOutOfOrder
			return t, nil
		}
		if ev.Title != "" {
			next.Title = ev.Title
		}
		if ev.Categories != nil {
			next.Categories = append([]string(nil), ev.Categories...)
		}
		next.LastUpdated = ev.At
		t.Intents = []Intent{{Action: announce.ActionEdit, Stream: next}}
		return t, nil
	}

	started := ev.StartedAt
	if started.IsZero() {
		started = ev.At
	}
	created := &streams.Stream{
		ChannelID:      snap.ChannelID,
		TwitchStreamID: ev.StreamID,
		Title:          ev.Title,
		Categories:     append([]string(nil), ev.Categories...),
		StartedAt:      started,
		LastUpdated:    laterOf(started, ev.At),
		Events:         []streams.EventRecord{rec},
	}
	t := Transition{From: from, To: StateLive, Stream: created, Created: true, Record: &created.Events[0]}

	if open != nil {
		// a new stream id while live: Twitch never sent the old stream's offline
		closed := open.Clone()
		end := laterOf(started, closed.StartedAt)
		closed.EndedAt = &end
		closed.LastUpdated = laterOf(closed.LastUpdated, end)
		payload, err := json.Marshal(map[string]string{"reason": reasonRolloverRecord, "superseded_by": ev.StreamID})
		if err != nil {
			return Transition{}, err
		}
		cr := streams.EventRecord{Kind: string(eventsub.KindOffline), Timestamp: end, MessageID: in.MessageID, Payload: payload}
		closed.Events = append(closed.Events, cr)
		t.Closed, t.ClosedRecord, t.Reason = closed, &cr, ReasonSupersededBy
		t.Intents = append(t.Intents, Intent{Action: announce.ActionFinalize, Stream: closed})
	}
	t.Intents = append(t.Intents, Intent{Action: announce.ActionCreate, Stream: created})
	return t, nil
}

func applyUpdate(snap Snapshot, in Input, ev eventsub.StreamUpdate, from State) (Transition, error) {
	if snap.Open == nil {
		return ignored(snap, in, from, ReasonNoOpenStream), nil
	}
	rec, err := newRecord(in, ev)
	if err != nil {
		return Transition{}, err
	}
	next := snap.Open.Clone()
	next.Events = append(next.Events, rec)
	t := Transition{From: from, To: StateLive, Stream: next, Record: &rec}
	if ev.At.Before(snap.Open.LastUpdated) {
		t.Outcome, t.Reason = OutcomeStale, ReasonOutOfOrder
		return t, nil
	}
	// title and category change together or not at all
	if ev.Title != "" {
		next.Title = ev.Title
	}
	if ev.Categories != nil {
		next.Categories = append([]string(nil), ev.Categories...)
	}
	next.LastUpdated = ev.At
	t.Intents = []Intent{{Action: announce.ActionEdit, Stream: next}}
	return t, nil
}

func applyOffline(snap Snapshot, in Input, ev eventsub.StreamOffline, from State) (Transition, error) {
	if snap.Open == nil {
		return ignored(snap, in, from, ReasonNoOpenStream), nil
	}
	rec, err := newRecord(in, ev)
	if err != nil {
		return Transition{}, err
	}
	next := snap.Open.Clone()
	end := laterOf(ev.At, next.StartedAt)
	next.EndedAt = &end
	next.LastUpdated = laterOf(next.LastUpdated, ev.At)
	next.Events = append(next.Events, rec)
	return Transition{
		From:    from,
		To:      StateIdle,
		Stream:  next,
		Record:  &rec,
		Intents: []Intent{{Action: announce.ActionFinalize, Stream: next}},
	}, nil
}

func ignored(snap Snapshot, in Input, from State, reason string) Transition {
	payload, err := json.Marshal(in.Event)
	if err != nil {
		payload = nil
	}
	return Transition{
		From:    from,
		To:      from,
		Outcome: OutcomeIgnored,
		Reason:  reason,
		Diagnostic: &streams.ChannelEvent{
			ChannelID:  snap.ChannelID,
			Kind:       string(in.Event.Kind()),
			OccurredAt: in.Event.OccurredAt(),
			MessageID:  in.MessageID,
			Reason:     reason,
			Payload:    payload,
		},
	}
}

func newRecord(in Input, ev eventsub.Event) (streams.EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return streams.EventRecord{}, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
	}
	return streams.EventRecord{
		Kind:      string(ev.Kind()),
		Timestamp: ev.OccurredAt(),
		MessageID: in.MessageID,
		Payload:   payload,
	}, nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Replay folds a stream's event log from empty state. The result's title,
// categories, start, end and last update equal those of the stream the log was
// recorded on.
func Replay(records []streams.EventRecord) (*streams.Stream, error) {
	var cur *streams.Stream
	for i, rec := range records {
		ev, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("replay record %d: %w", i, err)
		}
		snap := Snapshot{}
		if cur.Live() {
			snap.Open = cur
		}
		t, err := Apply(snap, Input{MessageID: rec.MessageID, Event: ev})
		if err != nil {
			return nil, fmt.Errorf("replay record %d: %w", i, err)
		}
		if t.Stream != nil {
			cur = t.Stream
		}
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: log has no online record", ErrInvalidTransition)
	}
	return cur, nil
}

func decodeRecord(rec streams.EventRecord) (eventsub.Event, error) {
	switch eventsub.Kind(rec.Kind) {
	case eventsub.KindOnline:
		var e eventsub.StreamOnline
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return nil, err
		}
		e.At = rec.Timestamp
		return e, nil
	case eventsub.KindUpdate:
		var e eventsub.StreamUpdate
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return nil, err
		}
		e.At = rec.Timestamp
		return e, nil
	case eventsub.KindOffline:
		return eventsub.StreamOffline{At: rec.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: record kind %q", ErrInvalidTransition, rec.Kind)
	}
}
