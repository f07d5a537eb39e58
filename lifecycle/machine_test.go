package lifecycle

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/stitch/announce"
	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/streams"
)

var (
	t0     = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	alpha  = eventsub.Broadcaster{ID: "1001", Login: "alpha", Name: "Alpha"}
	noSnap = Snapshot{ChannelID: 1}
)

func online(id string, at time.Time, title string, categories ...string) eventsub.StreamOnline {
	return eventsub.StreamOnline{Broadcaster: alpha, StreamID: id, Type: "live", StartedAt: at, Title: title, Categories: categories, At: at}
}

func update(at time.Time, title string, categories ...string) eventsub.StreamUpdate {
	return eventsub.StreamUpdate{Broadcaster: alpha, Title: title, Categories: categories, At: at}
}

func offline(at time.Time) eventsub.StreamOffline {
	return eventsub.StreamOffline{Broadcaster: alpha, At: at}
}

func mustApply(t *testing.T, snap Snapshot, id string, ev eventsub.Event) Transition {
	t.Helper()
	tr, err := Apply(snap, Input{MessageID: id, Event: ev})
	if err != nil {
		t.Fatalf("Apply(%s) error = %v", id, err)
	}
	return tr
}

func actions(tr Transition) []announce.Action {
	var out []announce.Action
	for _, in := range tr.Intents {
		out = append(out, in.Action)
	}
	return out
}

func liveAt(t *testing.T) *streams.Stream {
	t.Helper()
	tr := mustApply(t, noSnap, "m0", online("s1", t0, "Ranked Play", "Strategy"))
	st := tr.Stream
	st.ID = 10
	return st
}

func TestApplyTransitions(t *testing.T) {
	t1 := t0.Add(10 * time.Minute)

	tests := []struct {
		name        string
		snap        func(t *testing.T) Snapshot
		event       eventsub.Event
		wantFrom    State
		wantTo      State
		wantOutcome Outcome
		wantActions []announce.Action
		wantDiag    string
	}{
		{
			name:        "online while idle creates",
			snap:        func(*testing.T) Snapshot { return noSnap },
			event:       online("s1", t0, "Ranked Play", "Strategy"),
			wantFrom:    StateIdle,
			wantTo:      StateLive,
			wantActions: []announce.Action{announce.ActionCreate},
		},
		{
			name:        "online while live edits",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       online("s1", t1, ""),
			wantFrom:    StateLive,
			wantTo:      StateLive,
			wantActions: []announce.Action{announce.ActionEdit},
		},
		{
			name:        "update while live edits",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       update(t1, "Finals", "Chess"),
			wantFrom:    StateLive,
			wantTo:      StateLive,
			wantActions: []announce.Action{announce.ActionEdit},
		},
		{
			name:        "update while idle is recorded only",
			snap:        func(*testing.T) Snapshot { return noSnap },
			event:       update(t1, "Finals"),
			wantFrom:    StateIdle,
			wantTo:      StateIdle,
			wantOutcome: OutcomeIgnored,
			wantDiag:    ReasonNoOpenStream,
		},
		{
			name:        "stale update changes nothing",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       update(t0.Add(-time.Minute), "Old"),
			wantFrom:    StateLive,
			wantTo:      StateLive,
			wantOutcome: OutcomeStale,
		},
		{
			name:        "offline while live finalizes",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       offline(t1),
			wantFrom:    StateLive,
			wantTo:      StateIdle,
			wantActions: []announce.Action{announce.ActionFinalize},
		},
		{
			name:        "offline while idle is recorded only",
			snap:        func(*testing.T) Snapshot { return noSnap },
			event:       offline(t1),
			wantFrom:    StateIdle,
			wantTo:      StateIdle,
			wantOutcome: OutcomeIgnored,
			wantDiag:    ReasonNoOpenStream,
		},
		{
			name:        "unknown event is recorded only",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       eventsub.Unknown{Broadcaster: alpha, Type: "channel.raid", At: t1},
			wantFrom:    StateLive,
			wantTo:      StateLive,
			wantOutcome: OutcomeIgnored,
			wantDiag:    ReasonUnsupported,
		},
		{
			name: "online for an ended stream is stale",
			snap: func(t *testing.T) Snapshot {
				st := liveAt(t)
				end := t1
				st.EndedAt = &end
				return Snapshot{ChannelID: 1, Prior: st}
			},
			event:       online("s1", t0, "Ranked Play"),
			wantFrom:    StateIdle,
			wantTo:      StateIdle,
			wantOutcome: OutcomeStale,
			wantDiag:    ReasonStreamEnded,
		},
		{
			name:        "online with a new stream id while live rolls over",
			snap:        func(t *testing.T) Snapshot { return Snapshot{ChannelID: 1, Open: liveAt(t)} },
			event:       online("s2", t1, "Second"),
			wantFrom:    StateLive,
			wantTo:      StateLive,
			wantActions: []announce.Action{announce.ActionFinalize, announce.ActionCreate},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := mustApply(t, tt.snap(t), "m1", tt.event)
			if tr.From != tt.wantFrom || tr.To != tt.wantTo {
				t.Errorf("state %s -> %s, want %s -> %s", tr.From, tr.To, tt.wantFrom, tt.wantTo)
			}
			if tr.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", tr.Outcome, tt.wantOutcome)
			}
			if got := actions(tr); !reflect.DeepEqual(got, tt.wantActions) {
				t.Errorf("actions = %v, want %v", got, tt.wantActions)
			}
			switch {
			case tt.wantDiag != "" && (tr.Diagnostic == nil || tr.Diagnostic.Reason != tt.wantDiag):
				t.Errorf("diagnostic = %+v, want reason %q", tr.Diagnostic, tt.wantDiag)
			case tt.wantDiag == "" && tr.Diagnostic != nil:
				t.Errorf("unexpected diagnostic %+v", tr.Diagnostic)
			}
			if tr.Diagnostic != nil && tr.Stream != nil {
				t.Error("a diagnostic transition must not touch a stream")
			}
		})
	}
}

func TestApplyDoesNotMutateSnapshot(t *testing.T) {
	open := liveAt(t)
	before := open.Clone()
	mustApply(t, Snapshot{ChannelID: 1, Open: open}, "m1", update(t0.Add(time.Minute), "New", "Other"))
	mustApply(t, Snapshot{ChannelID: 1, Open: open}, "m2", offline(t0.Add(time.Hour)))
	if !reflect.DeepEqual(open, before) {
		t.Errorf("snapshot mutated:\n got %+v\nwant %+v", open, before)
	}
}

func TestApplyUpdateMergesAtomically(t *testing.T) {
	tr := mustApply(t, Snapshot{ChannelID: 1, Open: liveAt(t)}, "m1", update(t0.Add(time.Minute), "Finals", "Chess"))
	if tr.Stream.Title != "Finals" || !reflect.DeepEqual(tr.Stream.Categories, []string{"Chess"}) {
		t.Errorf("stream = %q %v", tr.Stream.Title, tr.Stream.Categories)
	}
	tr = mustApply(t, Snapshot{ChannelID: 1, Open: liveAt(t)}, "m2", update(t0.Add(time.Minute), "Only Title"))
	if tr.Stream.Title != "Only Title" || !reflect.DeepEqual(tr.Stream.Categories, []string{"Strategy"}) {
		t.Errorf("absent categories should be kept: %q %v", tr.Stream.Title, tr.Stream.Categories)
	}
}

func TestApplyOfflineClampsEnd(t *testing.T) {
	open := liveAt(t)
	tr := mustApply(t, Snapshot{ChannelID: 1, Open: open}, "m1", offline(t0.Add(-time.Minute)))
	if !tr.Stream.EndedAt.Equal(t0) {
		t.Errorf("ended_at = %v, want clamp to started_at %v", tr.Stream.EndedAt, t0)
	}
	if tr.Stream.LastUpdated.Before(open.LastUpdated) {
		t.Error("last_updated went backwards")
	}
}

func TestApplyRollover(t *testing.T) {
	t1 := t0.Add(3 * time.Hour)
	tr := mustApply(t, Snapshot{ChannelID: 1, Open: liveAt(t)}, "m1", online("s2", t1, "Second"))
	if tr.Closed == nil || tr.Closed.Live() || !tr.Closed.EndedAt.Equal(t1) {
		t.Fatalf("closed = %+v", tr.Closed)
	}
	if tr.ClosedRecord == nil || tr.ClosedRecord.Kind != string(eventsub.KindOffline) {
		t.Errorf("closed record = %+v", tr.ClosedRecord)
	}
	if !tr.Created || tr.Stream.TwitchStreamID != "s2" || !tr.Stream.Live() {
		t.Errorf("new stream = %+v", tr.Stream)
	}
	if tr.Intents[0].Stream != tr.Closed || tr.Intents[1].Stream != tr.Stream {
		t.Error("intents should target the closed then the new stream")
	}
}

func TestApplyInvalid(t *testing.T) {
	if _, err := Apply(noSnap, Input{MessageID: "m"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("nil event err = %v", err)
	}
}

func TestReplayReproducesState(t *testing.T) {
	events := []eventsub.Event{
		online("s1", t0, "Ranked Play", "Strategy"),
		update(t0.Add(10*time.Minute), "Ranked Play Finals"),
		update(t0.Add(5*time.Minute), "Stale Title", "Stale"),
		online("s1", t0.Add(20*time.Minute), "", "Chess"),
		update(t0.Add(30*time.Minute), "", "Puzzle"),
		offline(t0.Add(90 * time.Minute)),
	}
	var cur *streams.Stream
	for i, ev := range events {
		snap := Snapshot{ChannelID: 1}
		if cur.Live() {
			snap.Open = cur
		}
		tr := mustApply(t, snap, string(rune('a'+i)), ev)
		if tr.Stream != nil {
			cur = tr.Stream
		}
	}

	got, err := Replay(cur.Events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got.Title != cur.Title || !reflect.DeepEqual(got.Categories, cur.Categories) {
		t.Errorf("replay metadata = %q %v, want %q %v", got.Title, got.Categories, cur.Title, cur.Categories)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*cur.EndedAt) {
		t.Errorf("replay ended_at = %v, want %v", got.EndedAt, cur.EndedAt)
	}
	if !got.StartedAt.Equal(cur.StartedAt) || !got.LastUpdated.Equal(cur.LastUpdated) {
		t.Errorf("replay times = %v/%v, want %v/%v", got.StartedAt, got.LastUpdated, cur.StartedAt, cur.LastUpdated)
	}
	if cur.Title != "Ranked Play Finals" || !reflect.DeepEqual(cur.Categories, []string{"Puzzle"}) {
		t.Errorf("final state = %q %v", cur.Title, cur.Categories)
	}
}

func TestReplayRolledOverStream(t *testing.T) {
	first := liveAt(t)
	tr := mustApply(t, Snapshot{ChannelID: 1, Open: first}, "m1", online("s2", t0.Add(time.Hour), "Second"))
	got, err := Replay(tr.Closed.Events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got.Live() || !got.EndedAt.Equal(*tr.Closed.EndedAt) {
		t.Errorf("replayed closed stream = %+v", got)
	}
}

func TestReplayEmpty(t *testing.T) {
	if _, err := Replay(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Replay(nil) err = %v", err)
	}
}
