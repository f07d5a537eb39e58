package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stitch/announce"
	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/ledger"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/telemetry"
	"github.com/onnwee/stitch/twitchapi"
)

// Store is the persistence the engine needs.
type Store interface {
	ledger.Reader
	ChannelByTwitchID(ctx context.Context, twitchID string) (*streams.Channel, error)
	ChannelByID(ctx context.Context, id int64) (*streams.Channel, error)
	GetStream(ctx context.Context, id int64) (*streams.Stream, error)
	WithinTx(ctx context.Context, fn func(tx streams.Tx) error) error
}

// Announcer mirrors a stream onto its destination message.
type Announcer interface {
	Sync(ctx context.Context, action announce.Action, ch *streams.Channel, st *streams.Stream) (announce.Outcome, error)
}

// Enricher looks up a broadcaster's title and category. stream.online carries
// neither, so they are fetched before the transition. The live stream is preferred;
// channel information covers the window before Helix lists a new stream.
type Enricher interface {
	GetStream(ctx context.Context, userID string) (*twitchapi.Stream, error)
	GetChannelInfo(ctx context.Context, broadcasterID string) (*twitchapi.ChannelInfo, error)
}

// Result is how a delivery was handled.
type Result int

const (
	ResultApplied Result = iota
	ResultStale
	ResultIgnored
	ResultDuplicate
	ResultUntracked
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	case ResultIgnored:
		return "ignored"
	case ResultDuplicate:
		return "duplicate"
	case ResultUntracked:
		return "untracked"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Receipt reports a handled delivery. Announcements run after Handle returns;
// Wait blocks until they are done.
type Receipt struct {
	Result     Result
	Transition *Transition

	done     chan struct{}
	outcomes []announce.Outcome
	err      error
}

func finished(r Result, t *Transition) *Receipt {
	rc := &Receipt{Result: r, Transition: t, done: make(chan struct{})}
	close(rc.done)
	return rc
}

// Wait returns once the delivery's announcements finished, or ctx is done.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes returns the announcement outcomes in intent order. Only valid after Wait.
func (r *Receipt) Outcomes() []announce.Outcome { return r.outcomes }

// Engine applies deliveries one channel at a time.
type Engine struct {
	store      Store
	dedup      *ledger.Deduplicator
	announcer  Announcer
	enricher   Enricher
	serializer *Serializer
	logger     *slog.Logger

	// announcements outlive the request that triggered them
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewEngine builds an Engine. enricher may be nil.
func NewEngine(store Store, dedup *ledger.Deduplicator, announcer Announcer, enricher Enricher) *Engine {
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		dedup:      dedup,
		announcer:  announcer,
		enricher:   enricher,
		serializer: NewSerializer(),
		logger:     slog.Default().With(slog.String("component", "lifecycle")),
		base:       base,
		cancel:     cancel,
	}
}

func (e *Engine) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return ErrDraining
	}
	e.wg.Add(1)
	return nil
}

// Handle applies one authenticated delivery. A nil error means the delivery's effect
// is durable (or it was a duplicate or untracked) and Twitch may be answered 2xx.
func (e *Engine) Handle(ctx context.Context, in Input) (*Receipt, error) {
	if in.Event == nil {
		return nil, fmt.Errorf("%w: delivery %s has no event", ErrInvalidTransition, in.MessageID)
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.wg.Done()
		}
	}()

	kind := string(in.Event.Kind())
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "lifecycle.handle",
		telemetry.DeliveryAttrs(in.MessageID, kind, in.Event.Channel().ID)...)
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "lifecycle"),
		slog.String("message_id", in.MessageID),
		slog.String("kind", kind),
		slog.String("broadcaster_id", in.Event.Channel().ID),
	)

	seen, err := e.dedup.Seen(ctx, e.store, in.MessageID)
	if errors.Is(err, ledger.ErrEmptyMessageID) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if seen {
		logger.Debug("duplicate delivery")
		return finished(ResultDuplicate, nil), nil
	}

	ch, err := e.store.ChannelByTwitchID(ctx, in.Event.Channel().ID)
	if errors.Is(err, streams.ErrNotFound) {
		logger.Info("delivery for untracked channel")
		return finished(ResultUntracked, nil), nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	logger = logger.With(slog.String("channel", ch.Login))

	if online, ok := in.Event.(eventsub.StreamOnline); ok {
		enriched, err := e.enrich(ctx, logger, online)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		in.Event = enriched
	}

	waitStart := time.Now()
	release, err := e.serializer.Acquire(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	telemetry.Observe(telemetry.SerializerWait, time.Since(waitStart))

	var (
		t         Transition
		duplicate bool
	)
	err = e.store.WithinTx(ctx, func(tx streams.Tx) error {
		decision, err := e.dedup.Claim(ctx, tx, in.MessageID, kind, ch.TwitchID)
		if err != nil {
			return err
		}
		if decision == ledger.AlreadySeen {
			duplicate = true
			return nil
		}
		if err := tx.LockChannel(ctx, ch.ID); err != nil {
			return err
		}
		snap, err := e.snapshot(ctx, tx, ch.ID, in.Event)
		if err != nil {
			return err
		}
		if t, err = Apply(snap, in); err != nil {
			return err
		}
		return persist(ctx, tx, &t)
	})
	if err != nil {
		release()
		telemetry.CountTransition(kind, "error")
		telemetry.RecordError(span, err)
		logger.Error("delivery rolled back", slog.Any("err", err))
		if errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if duplicate {
		release()
		logger.Debug("duplicate delivery claimed elsewhere")
		return finished(ResultDuplicate, nil), nil
	}

	telemetry.CountTransition(kind, t.Outcome.String())
	telemetry.SetSpanSuccess(span)
	logger.Info("delivery applied",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("outcome", t.Outcome.String()),
		slog.String("reason", t.Reason),
		slog.Int("intents", len(t.Intents)))

	rc := &Receipt{Result: resultOf(t.Outcome), Transition: &t, done: make(chan struct{})}
	if len(t.Intents) == 0 {
		release()
		close(rc.done)
		return rc, nil
	}

	handedOff = true
	go func() {
		defer e.wg.Done()
		defer release()
		defer close(rc.done)
		actx := telemetry.WithCorrelation(e.base, telemetry.GetCorrelation(ctx))
		rc.outcomes, rc.err = e.dispatch(actx, logger, ch, t.Intents)
	}()
	return rc, nil
}

func resultOf(o Outcome) Result {
	switch o {
	case OutcomeApplied:
		return ResultApplied
	case OutcomeStale:
		return ResultStale
	default:
		return ResultIgnored
	}
}

func (e *Engine) enrich(ctx context.Context, logger *slog.Logger, ev eventsub.StreamOnline) (eventsub.StreamOnline, error) {
	if e.enricher == nil || (ev.Title != "" && ev.Categories != nil) {
		return ev, nil
	}
	live, err := e.enricher.GetStream(ctx, ev.Broadcaster.ID)
	switch {
	case err == nil && (ev.StreamID == "" || live.ID == ev.StreamID):
		return fill(ev, live.Title, live.Categories()), nil
	case err == nil:
		logger.Debug("live stream differs from event, using channel info", slog.String("live_stream_id", live.ID))
	default:
		logger.Debug("live stream lookup failed, using channel info", slog.Any("err", err))
	}

	info, err := e.enricher.GetChannelInfo(ctx, ev.Broadcaster.ID)
	if err != nil {
		logger.Warn("channel info lookup failed, refusing delivery", slog.Any("err", err))
		return ev, fmt.Errorf("%w: %w", ErrEnrichment, err)
	}
	return fill(ev, info.Title, info.Categories()), nil
}

func fill(ev eventsub.StreamOnline, title string, categories []string) eventsub.StreamOnline {
	if ev.Title == "" {
		ev.Title = title
	}
	if ev.Categories == nil {
		ev.Categories = categories
	}
	return ev
}

func (e *Engine) snapshot(ctx context.Context, tx streams.Tx, channelID int64, ev eventsub.Event) (Snapshot, error) {
	snap := Snapshot{ChannelID: channelID}
	open, err := tx.OpenStream(ctx, channelID)
	switch {
	case err == nil:
		snap.Open = open
	case !errors.Is(err, streams.ErrNotFound):
		return snap, err
	}
	if online, ok := ev.(eventsub.StreamOnline); ok && online.StreamID != "" && (open == nil || open.TwitchStreamID != online.StreamID) {
		prior, err := tx.StreamByTwitchID(ctx, online.StreamID)
		switch {
		case err == nil:
			snap.Prior = prior
		case !errors.Is(err, streams.ErrNotFound):
			return snap, err
		}
	}
	return snap, nil
}

// persist writes a transition. The closed stream goes first so the new one does not
// collide with it on the one-open-stream index. Streams with intents are committed as
// announcement-pending; the synchronizer clears the flag once the destination caught up,
// so a crash before dispatch leaves them to the pending reconciler.
func persist(ctx context.Context, tx streams.Tx, t *Transition) error {
	for _, in := range t.Intents {
		in.Stream.AnnouncementPending = true
	}
	if t.Closed != nil {
		if err := tx.UpdateStream(ctx, t.Closed, *t.ClosedRecord); err != nil {
			return fmt.Errorf("close superseded stream: %w", err)
		}
	}
	if t.Stream != nil {
		if t.Created {
			if err := tx.InsertStream(ctx, t.Stream); err != nil {
				return fmt.Errorf("insert stream: %w", err)
			}
		} else if err := tx.UpdateStream(ctx, t.Stream, *t.Record); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	if t.Diagnostic != nil {
		if err := tx.AppendChannelEvent(ctx, *t.Diagnostic); err != nil {
			return fmt.Errorf("append channel event: %w", err)
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, logger *slog.Logger, ch *streams.Channel, intents []Intent) ([]announce.Outcome, error) {
	outcomes := make([]announce.Outcome, 0, len(intents))
	var errs []error
	for _, in := range intents {
		out, err := e.announcer.Sync(ctx, in.Action, ch, in.Stream)
		outcomes = append(outcomes, out)
		if err != nil {
			logger.Error("announcement sync failed", slog.String("action", in.Action.String()), slog.Int64("stream_id", in.Stream.ID), slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// Resync re-drives the announcement of a pending stream from its stored state. The
// action follows from the stream: finalize when ended, edit (or create) while live.
// A stream that is no longer pending is already in sync and reported delivered.
func (e *Engine) Resync(ctx context.Context, streamID int64) (announce.Outcome, error) {
	if err := e.enter(); err != nil {
		return announce.OutcomeSkipped, err
	}
	defer e.wg.Done()

	st, err := e.store.GetStream(ctx, streamID)
	if err != nil {
		return announce.OutcomeSkipped, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	ch, err := e.store.ChannelByID(ctx, st.ChannelID)
	if err != nil {
		return announce.OutcomeSkipped, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	release, err := e.serializer.Acquire(ctx, ch.ID)
	if err != nil {
		return announce.OutcomeSkipped, err
	}
	defer release()

	// reread under the slot; a delivery may have moved it on
	if st, err = e.store.GetStream(ctx, streamID); err != nil {
		return announce.OutcomeSkipped, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !st.AnnouncementPending {
		return announce.OutcomeDelivered, nil
	}
	action := announce.ActionEdit
	switch {
	case !st.Live():
		action = announce.ActionFinalize
	case st.AnnouncementID == "":
		action = announce.ActionCreate
	}
	return e.announcer.Sync(ctx, action, ch, st)
}

// Drain stops accepting deliveries and waits for in-flight work. When ctx ends
// first, running announcements are cancelled and left pending for the next start.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("drain deadline reached, cancelling announcements")
		e.cancel()
		<-done
		return ctx.Err()
	}
}
