package announce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/stitch/discord"
	"github.com/onnwee/stitch/streams"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type call struct {
	method    string
	messageID string
	msg       discord.Message
}

type fakeDest struct {
	mu      sync.Mutex
	calls   []call
	nextID  int
	errs    []error // consumed one per call
	edited  map[string]discord.Message
	created map[string]discord.Message
}

func newFakeDest(errs ...error) *fakeDest {
	return &fakeDest{errs: errs, edited: map[string]discord.Message{}, created: map[string]discord.Message{}}
}

func (f *fakeDest) pop() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeDest) CreateMessage(_ context.Context, _ string, m discord.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: "create", msg: m})
	if err := f.pop(); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.created[id] = m
	return id, nil
}

func (f *fakeDest) EditMessage(_ context.Context, _ string, id string, m discord.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: "edit", messageID: id, msg: m})
	if err := f.pop(); err != nil {
		return err
	}
	f.edited[id] = m
	return nil
}

func (f *fakeDest) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

type fakeHandles struct {
	handle  map[int64]string
	pending map[int64]bool
	failSet error
}

func newFakeHandles() *fakeHandles {
	return &fakeHandles{handle: map[int64]string{}, pending: map[int64]bool{}}
}

func (h *fakeHandles) SetAnnouncement(_ context.Context, id int64, msgID string) error {
	if h.failSet != nil {
		return h.failSet
	}
	h.handle[id] = msgID
	h.pending[id] = false
	return nil
}

func (h *fakeHandles) ClearAnnouncementPending(_ context.Context, id int64) error {
	h.pending[id] = false
	return nil
}

func (h *fakeHandles) MarkAnnouncementPending(_ context.Context, id int64) error {
	h.pending[id] = true
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, AttemptTimeout: time.Second, MaxElapsed: 5 * time.Second}
}

func channel() *streams.Channel {
	return &streams.Channel{ID: 1, TwitchID: "1001", Login: "alpha", DisplayName: "Alpha", ProfileImageURL: "https://cdn/alpha.png"}
}

func record(kind string, at time.Time, title string, categories ...string) streams.EventRecord {
	payload, _ := json.Marshal(map[string]any{"title": title, "categories": categories})
	if title == "" && categories == nil {
		payload = []byte(`{}`)
	}
	return streams.EventRecord{Kind: kind, Timestamp: at, MessageID: kind + at.String(), Payload: payload}
}

func liveStream() *streams.Stream {
	return &streams.Stream{
		ID: 7, ChannelID: 1, TwitchStreamID: "s1",
		Title: "Ranked Play", Categories: []string{"Strategy"},
		StartedAt: t0, LastUpdated: t0,
		Events: []streams.EventRecord{record("stream.online", t0, "Ranked Play", "Strategy")},
	}
}

func TestRenderLive(t *testing.T) {
	m := Render(channel(), liveStream())
	if len(m.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(m.Embeds))
	}
	e := m.Embeds[0]
	if e.Title != "**Alpha** is live!" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Color != ColorLive || e.URL != "https://twitch.tv/alpha" || e.Description != "Ranked Play" {
		t.Errorf("unexpected embed %+v", e)
	}
	if e.Thumbnail == nil || e.Thumbnail.URL != "https://cdn/alpha.png" {
		t.Errorf("thumbnail = %+v", e.Thumbnail)
	}
	if len(e.Fields) != 1 || e.Fields[0].Name != "**»** Strategy" || !strings.Contains(e.Fields[0].Value, fmt.Sprint(t0.Unix())) {
		t.Errorf("fields = %+v", e.Fields)
	}
	if m.AllowedMentions == nil || len(m.AllowedMentions.Parse) != 0 {
		t.Errorf("mentions should be disabled: %+v", m.AllowedMentions)
	}
}

func TestRenderEndedUsesDominantMetadata(t *testing.T) {
	st := liveStream()
	t1 := t0.Add(10 * time.Minute)
	t2 := t0.Add(2*time.Hour + 5*time.Minute + 59*time.Second)
	st.Events = append(st.Events,
		record("channel.update", t1, "Ranked Play Finals", "Chess"),
		record("stream.offline", t2, ""),
	)
	st.Title, st.Categories = "Ranked Play Finals", []string{"Chess"}
	st.EndedAt, st.LastUpdated = &t2, t2

	e := Render(channel(), st).Embeds[0]
	if e.Title != "**Alpha** streamed for 2h05m" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Color != ColorEnded {
		t.Errorf("color = %#x", e.Color)
	}
	if e.Description != "Ranked Play Finals" || e.Fields[0].Name != "**»** Chess" {
		t.Errorf("dominant = %q / %q", e.Description, e.Fields[0].Name)
	}
}

func TestDominant(t *testing.T) {
	tests := []struct {
		name      string
		events    []streams.EventRecord
		end       time.Duration
		wantTitle string
		wantCats  []string
	}{
		{
			name:      "single segment",
			events:    []streams.EventRecord{record("stream.online", t0, "A", "X")},
			end:       time.Hour,
			wantTitle: "A", wantCats: []string{"X"},
		},
		{
			name: "longest segment wins",
			events: []streams.EventRecord{
				record("stream.online", t0, "A", "X"),
				record("channel.update", t0.Add(10*time.Minute), "B", "Y"),
				record("channel.update", t0.Add(20*time.Minute), "A", "Y"),
			},
			end:       30 * time.Minute,
			wantTitle: "A", wantCats: []string{"Y"},
		},
		{
			name: "tie goes to first",
			events: []streams.EventRecord{
				record("stream.online", t0, "A", "X"),
				record("channel.update", t0.Add(10*time.Minute), "B", "Y"),
			},
			end:       20 * time.Minute,
			wantTitle: "A", wantCats: []string{"X"},
		},
		{
			name: "stale record ignored",
			events: []streams.EventRecord{
				record("stream.online", t0, "A", "X"),
				record("channel.update", t0.Add(30*time.Minute), "B", "Y"),
				record("channel.update", t0.Add(5*time.Minute), "C", "Z"),
			},
			end:       time.Hour,
			wantTitle: "A", wantCats: []string{"X"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end := t0.Add(tt.end)
			st := &streams.Stream{StartedAt: t0, EndedAt: &end, Events: tt.events}
			title, cats := Dominant(st)
			if title != tt.wantTitle || strings.Join(cats, ",") != strings.Join(tt.wantCats, ",") {
				t.Errorf("Dominant() = %q %v, want %q %v", title, cats, tt.wantTitle, tt.wantCats)
			}
		})
	}
}

func TestDisplayNameAndDuration(t *testing.T) {
	if got := DisplayName("Alpha", "alpha"); got != "Alpha" {
		t.Errorf("DisplayName same = %q", got)
	}
	if got := DisplayName("アルファ", "alpha"); got != "アルファ (alpha)" {
		t.Errorf("DisplayName differ = %q", got)
	}
	if got := DisplayName("", "alpha"); got != "alpha" {
		t.Errorf("DisplayName empty = %q", got)
	}
	if got := HumanDuration(t0, t0.Add(59*time.Second)); got != "0h00m" {
		t.Errorf("HumanDuration = %q", got)
	}
	if got := HumanDuration(t0, t0.Add(26*time.Hour+3*time.Minute)); got != "26h03m" {
		t.Errorf("HumanDuration = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{discord.ErrUnavailable, ErrorClassUnavailable},
		{&discord.APIError{Status: http.StatusTooManyRequests}, ErrorClassRateLimited},
		{&discord.APIError{Status: http.StatusBadGateway}, ErrorClassRetryable},
		{&discord.APIError{Status: http.StatusNotFound}, ErrorClassMissing},
		{fmt.Errorf("wrapped: %w", &discord.APIError{Status: http.StatusForbidden}), ErrorClassFatal},
		{context.DeadlineExceeded, ErrorClassRetryable},
		{errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{errors.New("401 Unauthorized"), ErrorClassFatal},
		{errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRetryPolicyStopsOnTerminal(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return &discord.APIError{Status: http.StatusForbidden}
	}, nil)
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	var apiErr *discord.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("err = %v, want APIError", err)
	}
}

func TestRetryPolicyExhausts(t *testing.T) {
	attempts := 0
	var notified []int
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return &discord.APIError{Status: http.StatusServiceUnavailable}
	}, func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) })
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if err == nil {
		t.Fatal("expected error")
	}
	if len(notified) != 2 {
		t.Errorf("notify calls = %v, want 2", notified)
	}
}

func TestSyncCreateEditFinalize(t *testing.T) {
	dest, handles := newFakeDest(), newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	ch, st := channel(), liveStream()
	ctx := context.Background()

	if out, err := s.Sync(ctx, ActionCreate, ch, st); err != nil || out != OutcomeDelivered {
		t.Fatalf("create = %s, %v", out, err)
	}
	if st.AnnouncementID != "msg-1" || handles.handle[st.ID] != "msg-1" {
		t.Fatalf("handle not persisted: %q %q", st.AnnouncementID, handles.handle[st.ID])
	}

	st.Title = "Ranked Play Finals"
	if out, err := s.Sync(ctx, ActionEdit, ch, st); err != nil || out != OutcomeDelivered {
		t.Fatalf("edit = %s, %v", out, err)
	}

	end := t0.Add(time.Hour)
	st.EndedAt = &end
	if out, err := s.Sync(ctx, ActionFinalize, ch, st); err != nil || out != OutcomeDelivered {
		t.Fatalf("finalize = %s, %v", out, err)
	}
	if got := strings.Join(dest.methods(), ","); got != "create,edit,edit" {
		t.Errorf("calls = %s", got)
	}
	if dest.edited["msg-1"].Embeds[0].Color != ColorEnded {
		t.Errorf("final message not in ended state")
	}
}

func TestSyncEditWithoutHandleCreates(t *testing.T) {
	dest, handles := newFakeDest(), newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	st := liveStream()
	if out, _ := s.Sync(context.Background(), ActionEdit, channel(), st); out != OutcomeDelivered {
		t.Fatalf("outcome = %s", out)
	}
	if got := strings.Join(dest.methods(), ","); got != "create" {
		t.Errorf("calls = %s", got)
	}
}

func TestSyncFinalizeWithoutHandleSkips(t *testing.T) {
	dest, handles := newFakeDest(), newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	st := liveStream()
	end := t0.Add(time.Hour)
	st.EndedAt = &end
	st.AnnouncementPending = true
	handles.pending[st.ID] = true

	out, err := s.Sync(context.Background(), ActionFinalize, channel(), st)
	if err != nil || out != OutcomeSkipped {
		t.Fatalf("finalize = %s, %v", out, err)
	}
	if len(dest.methods()) != 0 {
		t.Errorf("no destination call expected, got %v", dest.methods())
	}
	if handles.pending[st.ID] || st.AnnouncementPending {
		t.Error("pending flag should be cleared")
	}
}

func TestSyncRetriesThenDelivers(t *testing.T) {
	dest := newFakeDest(&discord.APIError{Status: http.StatusBadGateway}, errors.New("connection reset"))
	handles := newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	out, err := s.Sync(context.Background(), ActionCreate, channel(), liveStream())
	if err != nil || out != OutcomeDelivered {
		t.Fatalf("create = %s, %v", out, err)
	}
	if len(dest.methods()) != 3 {
		t.Errorf("calls = %v", dest.methods())
	}
}

func TestSyncGivesUpAndMarksPending(t *testing.T) {
	fail := &discord.APIError{Status: http.StatusServiceUnavailable}
	dest := newFakeDest(fail, fail, fail, fail)
	handles := newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	st := liveStream()

	out, err := s.Sync(context.Background(), ActionCreate, channel(), st)
	if err != nil {
		t.Fatalf("destination failure must not surface once pending is recorded: %v", err)
	}
	if out != OutcomePending || !handles.pending[st.ID] || !st.AnnouncementPending {
		t.Errorf("outcome = %s pending = %v", out, handles.pending[st.ID])
	}
	if st.AnnouncementID != "" {
		t.Errorf("handle should stay empty, got %q", st.AnnouncementID)
	}
}

func TestSyncDeletedMessage(t *testing.T) {
	missing := &discord.APIError{Status: http.StatusNotFound, Code: 10008}

	t.Run("edit recreates", func(t *testing.T) {
		dest, handles := newFakeDest(missing), newFakeHandles()
		s := NewSynchronizer(dest, handles, "chan", fastPolicy())
		st := liveStream()
		st.AnnouncementID = "gone"
		if out, err := s.Sync(context.Background(), ActionEdit, channel(), st); err != nil || out != OutcomeDelivered {
			t.Fatalf("edit = %s, %v", out, err)
		}
		if st.AnnouncementID != "msg-1" || strings.Join(dest.methods(), ",") != "edit,create" {
			t.Errorf("handle = %q calls = %v", st.AnnouncementID, dest.methods())
		}
	})

	t.Run("finalize skips", func(t *testing.T) {
		dest, handles := newFakeDest(missing), newFakeHandles()
		s := NewSynchronizer(dest, handles, "chan", fastPolicy())
		st := liveStream()
		st.AnnouncementID = "gone"
		end := t0.Add(time.Hour)
		st.EndedAt = &end
		if out, err := s.Sync(context.Background(), ActionFinalize, channel(), st); err != nil || out != OutcomeSkipped {
			t.Fatalf("finalize = %s, %v", out, err)
		}
		if strings.Join(dest.methods(), ",") != "edit" {
			t.Errorf("calls = %v", dest.methods())
		}
	})
}

func TestSyncHandlePersistFailure(t *testing.T) {
	dest, handles := newFakeDest(), newFakeHandles()
	handles.failSet = errors.New("db down")
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	out, err := s.Sync(context.Background(), ActionCreate, channel(), liveStream())
	if err == nil || out != OutcomePending {
		t.Fatalf("expected persist failure, got %s, %v", out, err)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	dest, handles := newFakeDest(), newFakeHandles()
	s := NewSynchronizer(dest, handles, "chan", fastPolicy())
	st := liveStream()
	st.AnnouncementID = "msg-9"
	for i := 0; i < 2; i++ {
		if _, err := s.Sync(context.Background(), ActionEdit, channel(), st); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := json.Marshal(dest.calls[0].msg)
	b, _ := json.Marshal(dest.calls[1].msg)
	if string(a) != string(b) {
		t.Errorf("repeated edit bodies differ:\n%s\n%s", a, b)
	}
}
