package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/lifecycle"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/telemetry"
	"github.com/onnwee/stitch/twitchapi"
)

// namespace for synthetic delivery ids
var syntheticNS = uuid.MustParse("6f1c2d0e-3b7a-4f59-9a57-2d3b51f0c8e4")

// Store is what the reconcilers read.
type Store interface {
	ListChannels(ctx context.Context) ([]streams.Channel, error)
	OpenStreams(ctx context.Context) ([]streams.Stream, error)
	PendingAnnouncements(ctx context.Context) ([]streams.Stream, error)
}

// LiveLookup reports which broadcasters are live.
type LiveLookup interface {
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
}

// Handler applies deliveries; *lifecycle.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, in lifecycle.Input) (*lifecycle.Receipt, error)
}

// Report counts what a startup pass synthesized.
type Report struct {
	Onlines  int
	Offlines int
	Failed   int
}

// SyntheticID derives a stable delivery id, so a crash-looping process cannot apply
// the same repair twice.
func SyntheticID(kind eventsub.Kind, streamID string) string {
	return "reconcile-" + uuid.NewSHA1(syntheticNS, []byte(string(kind)+":"+streamID)).String()
}

// Startup compares Helix with the open streams of every tracked channel and feeds
// the engine the onlines and offlines it missed while it was down.
func Startup(ctx context.Context, store Store, live LiveLookup, h Handler) (Report, error) {
	logger := slog.Default().With(slog.String("component", "reconcile"), slog.String("job", "startup"))
	var rep Report

	channels, err := store.ListChannels(ctx)
	if err != nil {
		return rep, fmt.Errorf("list channels: %w", err)
	}
	if len(channels) == 0 {
		return rep, nil
	}
	open, err := store.OpenStreams(ctx)
	if err != nil {
		return rep, fmt.Errorf("list open streams: %w", err)
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.TwitchID)
	}
	liveStreams, err := live.GetStreams(ctx, ids)
	if err != nil {
		telemetry.CountReconcile("startup", "error")
		return rep, fmt.Errorf("get live streams: %w", err)
	}

	openByChannel := make(map[int64]streams.Stream, len(open))
	for _, st := range open {
		openByChannel[st.ChannelID] = st
	}
	liveByUser := make(map[string]twitchapi.Stream, len(liveStreams))
	for _, s := range liveStreams {
		liveByUser[s.UserID] = s
	}

	now := time.Now().UTC()
	var receipts []*lifecycle.Receipt
	var errs []error
	for _, ch := range channels {
		b := eventsub.Broadcaster{ID: ch.TwitchID, Login: ch.Login, Name: ch.DisplayName}
		st, isOpen := openByChannel[ch.ID]
		ls, isLive := liveByUser[ch.TwitchID]

		var in lifecycle.Input
		switch {
		case isLive && (!isOpen || st.TwitchStreamID != ls.ID):
			in = lifecycle.Input{
				MessageID: SyntheticID(eventsub.KindOnline, ls.ID),
				Event: eventsub.StreamOnline{
					Broadcaster: b, StreamID: ls.ID, Type: ls.Type, StartedAt: ls.StartedAt,
					Title: ls.Title, Categories: ls.Categories(), At: laterOf(ls.StartedAt, st.LastUpdated),
				},
			}
			rep.Onlines++
		case isOpen && !isLive:
			in = lifecycle.Input{
				MessageID: SyntheticID(eventsub.KindOffline, st.TwitchStreamID),
				Event:     eventsub.StreamOffline{Broadcaster: b, At: now},
			}
			rep.Offlines++
		default:
			continue
		}

		logger.Info("synthesizing missed event", slog.String("channel", ch.Login), slog.String("kind", string(in.Event.Kind())))
		rc, err := h.Handle(ctx, in)
		if err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("%s %s: %w", ch.Login, in.Event.Kind(), err))
			continue
		}
		receipts = append(receipts, rc)
	}
	for _, rc := range receipts {
		if err := rc.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
			break
		}
	}

	result := "ok"
	if len(errs) > 0 {
		result = "error"
	}
	telemetry.CountReconcile("startup", result)
	logger.Info("startup reconcile done", slog.Int("onlines", rep.Onlines), slog.Int("offlines", rep.Offlines), slog.Int("failed", rep.Failed))
	return rep, errors.Join(errs...)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
