// Package announce mirrors a stream's lifecycle onto a single Discord message.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/stitch/discord"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/telemetry"
)

// Action is the side effect a transition asks for.
type Action int

const (
	ActionCreate Action = iota
	ActionEdit
	ActionFinalize
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionEdit:
		return "edit"
	case ActionFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome is the terminal result of one Sync.
type Outcome int

const (
	// OutcomeDelivered means the destination message matches the stream.
	OutcomeDelivered Outcome = iota
	// OutcomeSkipped means there was nothing to do (finalize without a message).
	OutcomeSkipped
	// OutcomePending means retries were exhausted and the stream is flagged for reconciliation.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Destination posts and edits messages in a chat channel.
type Destination interface {
	CreateMessage(ctx context.Context, channelID string, m discord.Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, m discord.Message) error
}

// Handles persists the message handle and pending flag of a stream.
type Handles interface {
	SetAnnouncement(ctx context.Context, streamID int64, messageID string) error
	ClearAnnouncementPending(ctx context.Context, streamID int64) error
	MarkAnnouncementPending(ctx context.Context, streamID int64) error
}

// Synchronizer drives the destination message of a stream to match its stored state.
type Synchronizer struct {
	dest      Destination
	handles   Handles
	channelID string
	policy    RetryPolicy
	logger    *slog.Logger
}

// NewSynchronizer builds a Synchronizer posting to channelID.
func NewSynchronizer(dest Destination, handles Handles, channelID string, policy RetryPolicy) *Synchronizer {
	return &Synchronizer{
		dest:      dest,
		handles:   handles,
		channelID: channelID,
		policy:    policy.withDefaults(),
		logger:    slog.Default().With(slog.String("component", "announce")),
	}
}

// Sync applies action for st. A destination failure never returns an error once the
// stream was flagged pending; the returned error is reserved for failures to record
// that flag or the message handle, and wraps ErrDestination when the destination gave up.
//
// On success st.AnnouncementID and st.AnnouncementPending reflect what was persisted.
func (s *Synchronizer) Sync(ctx context.Context, action Action, ch *streams.Channel, st *streams.Stream) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAnnounce, "announce.sync")
	defer span.End()
	telemetry.AddInflight(1)
	defer telemetry.AddInflight(-1)
	start := time.Now()

	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "announce"),
		slog.String("action", action.String()),
		slog.Int64("stream_id", st.ID),
		slog.String("channel", ch.Login),
	)

	outcome, err := s.sync(ctx, logger, action, ch, st)
	telemetry.Observe(telemetry.AnnounceDuration, time.Since(start))
	telemetry.CountAnnouncement(action.String(), outcome.String())
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	return outcome, err
}

func (s *Synchronizer) sync(ctx context.Context, logger *slog.Logger, action Action, ch *streams.Channel, st *streams.Stream) (Outcome, error) {
	msg := Render(ch, st)

	switch {
	case action == ActionFinalize && st.AnnouncementID == "":
		logger.Debug("finalize without announcement, skipping")
		return OutcomeSkipped, s.clearPending(logger, st)
	case action != ActionFinalize && st.AnnouncementID == "":
		return s.create(ctx, logger, action, st, msg)
	}

	err := s.policy.Do(ctx, func(actx context.Context) error {
		err := s.dest.EditMessage(actx, s.channelID, st.AnnouncementID, msg)
		telemetry.CountAnnounceAttempt(action.String(), attemptResult(err))
		return err
	}, s.notify(logger))
	switch {
	case err == nil:
		return OutcomeDelivered, s.clearPending(logger, st)
	case Classify(err) == ErrorClassMissing && action == ActionFinalize:
		logger.Warn("announcement deleted before finalize", slog.String("message_id", st.AnnouncementID))
		return OutcomeSkipped, s.clearPending(logger, st)
	case Classify(err) == ErrorClassMissing:
		logger.Warn("announcement deleted, posting a new one", slog.String("message_id", st.AnnouncementID))
		return s.create(ctx, logger, action, st, msg)
	}
	return s.giveUp(logger, st, err)
}

func (s *Synchronizer) create(ctx context.Context, logger *slog.Logger, action Action, st *streams.Stream, msg discord.Message) (Outcome, error) {
	var id string
	err := s.policy.Do(ctx, func(actx context.Context) error {
		var err error
		id, err = s.dest.CreateMessage(actx, s.channelID, msg)
		telemetry.CountAnnounceAttempt(action.String(), attemptResult(err))
		return err
	}, s.notify(logger))
	if err != nil {
		return s.giveUp(logger, st, err)
	}

	// the message exists now; record it even if the caller's context is gone
	wctx, cancel := detached()
	defer cancel()
	if err := s.handles.SetAnnouncement(wctx, st.ID, id); err != nil {
		logger.Error("failed to persist announcement handle", slog.String("message_id", id), slog.Any("err", err))
		return OutcomePending, fmt.Errorf("persist handle for stream %d: %w", st.ID, err)
	}
	st.AnnouncementID = id
	st.AnnouncementPending = false
	logger.Info("announcement posted", slog.String("message_id", id))
	return OutcomeDelivered, nil
}

func (s *Synchronizer) giveUp(logger *slog.Logger, st *streams.Stream, cause error) (Outcome, error) {
	logger.Warn("announcement sync gave up, marking pending",
		slog.String("class", Classify(cause).String()), slog.Any("err", cause))
	wctx, cancel := detached()
	defer cancel()
	if err := s.handles.MarkAnnouncementPending(wctx, st.ID); err != nil {
		return OutcomePending, errors.Join(fmt.Errorf("%w: %w", ErrDestination, cause), err)
	}
	st.AnnouncementPending = true
	return OutcomePending, nil
}

func (s *Synchronizer) clearPending(logger *slog.Logger, st *streams.Stream) error {
	if !st.AnnouncementPending {
		return nil
	}
	wctx, cancel := detached()
	defer cancel()
	if err := s.handles.ClearAnnouncementPending(wctx, st.ID); err != nil {
		logger.Error("failed to clear pending flag", slog.Any("err", err))
		return fmt.Errorf("clear pending for stream %d: %w", st.ID, err)
	}
	st.AnnouncementPending = false
	return nil
}

func (s *Synchronizer) notify(logger *slog.Logger) func(int, error, time.Duration) {
	return func(attempt int, err error, next time.Duration) {
		logger.Warn("announcement attempt failed",
			slog.Int("attempt", attempt),
			slog.String("class", Classify(err).String()),
			slog.Duration("retry_in", next),
			slog.Any("err", err))
	}
}

func attemptResult(err error) string {
	if err == nil {
		return "ok"
	}
	return Classify(err).String()
}

func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
