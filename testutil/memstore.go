package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stitch/ledger"
	"github.com/onnwee/stitch/streams"
)

// MemoryStore is an in-memory stand-in for streams.Store. Transactions run one at a
// time and roll back on error, which is stricter than the Postgres row lock but
// observably the same for a single channel.
type MemoryStore struct {
	txMu sync.Mutex // held for a whole transaction
	mu   sync.Mutex // guards the maps

	nextChannel int64
	nextStream  int64
	channels    map[int64]streams.Channel
	streams     map[int64]streams.Stream
	deliveries  map[string]ledger.Delivery
	events      []streams.ChannelEvent

	// FailOn makes the named Tx operation fail once, e.g. "UpdateStream".
	FailOn map[string]error
	// TxHook runs at the start of every transaction while it holds the lock.
	TxHook func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:   map[int64]streams.Channel{},
		streams:    map[int64]streams.Stream{},
		deliveries: map[string]ledger.Delivery{},
		FailOn:     map[string]error{},
	}
}

func (m *MemoryStore) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailOn[op]; ok {
		delete(m.FailOn, op)
		return err
	}
	return nil
}

// FailNext arms a one-shot failure for op.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailOn[op] = err
}

// Channels

func (m *MemoryStore) UpsertChannel(_ context.Context, c *streams.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Login = strings.ToLower(c.Login)
	now := time.Now().UTC()
	for id, existing := range m.channels {
		if existing.TwitchID == c.TwitchID {
			existing.Login, existing.DisplayName, existing.ProfileImageURL = c.Login, c.DisplayName, c.ProfileImageURL
			existing.UpdatedAt = now
			m.channels[id] = existing
			*c = existing
			return nil
		}
		if existing.Login == c.Login {
			return fmt.Errorf("%w: login %s belongs to another channel", streams.ErrConflict, c.Login)
		}
	}
	m.nextChannel++
	c.ID, c.CreatedAt, c.UpdatedAt = m.nextChannel, now, now
	m.channels[c.ID] = *c
	return nil
}

func (m *MemoryStore) findChannel(match func(streams.Channel) bool) (*streams.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		if match(c) {
			c := c
			return &c, nil
		}
	}
	return nil, streams.ErrNotFound
}

func (m *MemoryStore) ChannelByTwitchID(_ context.Context, twitchID string) (*streams.Channel, error) {
	return m.findChannel(func(c streams.Channel) bool { return c.TwitchID == twitchID })
}

func (m *MemoryStore) ChannelByLogin(_ context.Context, login string) (*streams.Channel, error) {
	login = strings.ToLower(login)
	return m.findChannel(func(c streams.Channel) bool { return c.Login == login })
}

func (m *MemoryStore) ChannelByID(_ context.Context, id int64) (*streams.Channel, error) {
	return m.findChannel(func(c streams.Channel) bool { return c.ID == id })
}

func (m *MemoryStore) DeleteChannel(_ context.Context, login string) (*streams.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	login = strings.ToLower(login)
	for id, c := range m.channels {
		if c.Login != login {
			continue
		}
		delete(m.channels, id)
		for sid, st := range m.streams {
			if st.ChannelID == id {
				delete(m.streams, sid)
			}
		}
		kept := m.events[:0]
		for _, e := range m.events {
			if e.ChannelID != id {
				kept = append(kept, e)
			}
		}
		m.events = kept
		return &c, nil
	}
	return nil, streams.ErrNotFound
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]streams.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]streams.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out, nil
}

// Streams

func (m *MemoryStore) GetStream(_ context.Context, id int64) (*streams.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return nil, streams.ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) selectStreams(match func(streams.Stream) bool) []streams.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []streams.Stream
	for _, st := range m.streams {
		if match(st) {
			out = append(out, *st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Streams returns every stream of a channel ordered by id.
func (m *MemoryStore) Streams(channelID int64) []streams.Stream {
	return m.selectStreams(func(st streams.Stream) bool { return st.ChannelID == channelID })
}

func (m *MemoryStore) OpenStreams(_ context.Context) ([]streams.Stream, error) {
	return m.selectStreams(func(st streams.Stream) bool { return st.EndedAt == nil }), nil
}

func (m *MemoryStore) PendingAnnouncements(_ context.Context) ([]streams.Stream, error) {
	return m.selectStreams(func(st streams.Stream) bool { return st.AnnouncementPending }), nil
}

func (m *MemoryStore) updateStream(id int64, fn func(*streams.Stream)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return streams.ErrNotFound
	}
	fn(&st)
	m.streams[id] = st
	return nil
}

func (m *MemoryStore) SetAnnouncement(_ context.Context, streamID int64, messageID string) error {
	return m.updateStream(streamID, func(st *streams.Stream) {
		st.AnnouncementID, st.AnnouncementPending = messageID, false
	})
}

func (m *MemoryStore) ClearAnnouncementPending(_ context.Context, streamID int64) error {
	return m.updateStream(streamID, func(st *streams.Stream) { st.AnnouncementPending = false })
}

func (m *MemoryStore) MarkAnnouncementPending(_ context.Context, streamID int64) error {
	return m.updateStream(streamID, func(st *streams.Stream) { st.AnnouncementPending = true })
}

func (m *MemoryStore) ChannelEvents(_ context.Context, channelID int64, limit int) ([]streams.ChannelEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []streams.ChannelEvent
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.events[i].ChannelID == channelID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

// Ledger

func (m *MemoryStore) DeliveryApplied(_ context.Context, messageID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[messageID]
	return ok && d.ExpiresAt.After(now), nil
}

func (m *MemoryStore) PruneDeliveries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deliveries {
		if !d.ExpiresAt.After(now) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

// Deliveries returns how many ledger records exist.
func (m *MemoryStore) Deliveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Transactions

type memState struct {
	nextStream int64
	streams    map[int64]streams.Stream
	deliveries map[string]ledger.Delivery
	events     []streams.ChannelEvent
}

func (m *MemoryStore) save() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memState{
		nextStream: m.nextStream,
		streams:    make(map[int64]streams.Stream, len(m.streams)),
		deliveries: make(map[string]ledger.Delivery, len(m.deliveries)),
		events:     append([]streams.ChannelEvent(nil), m.events...),
	}
	for id, st := range m.streams {
		s.streams[id] = *st.Clone()
	}
	for id, d := range m.deliveries {
		s.deliveries[id] = d
	}
	return s
}

func (m *MemoryStore) restore(s memState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStream, m.streams, m.deliveries, m.events = s.nextStream, s.streams, s.deliveries, s.events
}

// WithinTx runs fn exclusively and restores the previous state when it fails.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx streams.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if m.TxHook != nil {
		m.TxHook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	saved := m.save()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(saved)
		return err
	}
	if err := m.fail("Commit"); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

type memTx struct{ m *MemoryStore }

func (t *memTx) InsertDelivery(_ context.Context, d ledger.Delivery) (bool, error) {
	if err := t.m.fail("InsertDelivery"); err != nil {
		return false, err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if existing, ok := t.m.deliveries[d.MessageID]; ok && existing.ExpiresAt.After(d.AppliedAt) {
		return false, nil
	}
	t.m.deliveries[d.MessageID] = d
	return true, nil
}

func (t *memTx) LockChannel(ctx context.Context, channelID int64) error {
	_, err := t.m.ChannelByID(ctx, channelID)
	return err
}

func (t *memTx) OpenStream(_ context.Context, channelID int64) (*streams.Stream, error) {
	open := t.m.selectStreams(func(st streams.Stream) bool { return st.ChannelID == channelID && st.EndedAt == nil })
	if len(open) == 0 {
		return nil, streams.ErrNotFound
	}
	return &open[0], nil
}

func (t *memTx) StreamByTwitchID(_ context.Context, twitchStreamID string) (*streams.Stream, error) {
	found := t.m.selectStreams(func(st streams.Stream) bool { return st.TwitchStreamID == twitchStreamID })
	if len(found) == 0 {
		return nil, streams.ErrNotFound
	}
	return &found[0], nil
}

func (t *memTx) InsertStream(_ context.Context, st *streams.Stream) error {
	if err := t.m.fail("InsertStream"); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, other := range t.m.streams {
		if st.TwitchStreamID != "" && other.TwitchStreamID == st.TwitchStreamID {
			return fmt.Errorf("%w: stream %s", streams.ErrConflict, st.TwitchStreamID)
		}
		if st.EndedAt == nil && other.EndedAt == nil && other.ChannelID == st.ChannelID {
			return fmt.Errorf("%w: channel %d already has an open stream", streams.ErrConflict, st.ChannelID)
		}
	}
	t.m.nextStream++
	st.ID = t.m.nextStream
	t.m.streams[st.ID] = *st.Clone()
	return nil
}

func (t *memTx) UpdateStream(_ context.Context, st *streams.Stream, appended ...streams.EventRecord) error {
	if err := t.m.fail("UpdateStream"); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cur, ok := t.m.streams[st.ID]
	if !ok {
		return streams.ErrNotFound
	}
	cur.Title = st.Title
	cur.Categories = append([]string(nil), st.Categories...)
	if st.Categories == nil {
		cur.Categories = nil
	}
	cur.EndedAt = nil
	if st.EndedAt != nil {
		end := *st.EndedAt
		cur.EndedAt = &end
	}
	cur.LastUpdated = st.LastUpdated
	cur.AnnouncementPending = cur.AnnouncementPending || st.AnnouncementPending
	cur.Events = append(append([]streams.EventRecord(nil), cur.Events...), appended...)
	t.m.streams[st.ID] = cur
	return nil
}

func (t *memTx) AppendChannelEvent(_ context.Context, e streams.ChannelEvent) error {
	if err := t.m.fail("AppendChannelEvent"); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.events = append(t.m.events, e)
	return nil
}
