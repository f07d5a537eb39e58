package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/stitch/telemetry"
)

// Serializer hands out one exclusive slot per channel. Waiters queue on the slot's
// channel; a slot is dropped once nobody holds or waits for it.
type Serializer struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func NewSerializer() *Serializer {
	return &Serializer{slots: make(map[int64]*slot)}
}

// Acquire blocks until the slot for key is free or ctx is done. The returned
// release func is safe to call more than once.
func (s *Serializer) Acquire(ctx context.Context, key int64) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[key] = sl
		telemetry.SetActiveChannels(len(s.slots))
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case <-sl.sem:
			default:
				slog.Warn("serializer release without acquire", slog.Int64("channel_id", key))
			}
			s.unref(key, sl)
		})
	}, nil
}

func (s *Serializer) unref(key int64, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
		telemetry.SetActiveChannels(len(s.slots))
	}
}

// Active returns how many channels are held or waited on. The same count is
// published as the stitch_serializer_active_channels gauge.
func (s *Serializer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
