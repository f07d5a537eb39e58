// Package registry tracks and untracks Twitch channels: it keeps the channel row and
// the channel's EventSub subscriptions in step.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/twitchapi"
)

// ErrInvalidLogin is returned for an empty or malformed login.
var ErrInvalidLogin = errors.New("registry: invalid login")

// subscribed lists the EventSub types created for every tracked channel.
var subscribed = []struct {
	Type    eventsub.Kind
	Version string
}{
	{eventsub.KindOnline, "1"},
	{eventsub.KindOffline, "1"},
	{eventsub.KindUpdate, "2"},
}

// Store is the channel persistence the registry needs.
type Store interface {
	UpsertChannel(ctx context.Context, c *streams.Channel) error
	DeleteChannel(ctx context.Context, login string) (*streams.Channel, error)
	ListChannels(ctx context.Context) ([]streams.Channel, error)
	ChannelByLogin(ctx context.Context, login string) (*streams.Channel, error)
	ChannelEvents(ctx context.Context, channelID int64, limit int) ([]streams.ChannelEvent, error)
}

// Helix is the subset of the Helix client the registry calls.
type Helix interface {
	GetUserByLogin(ctx context.Context, login string) (*twitchapi.User, error)
	CreateSubscription(ctx context.Context, sub twitchapi.Subscription) (*twitchapi.Subscription, error)
	ListSubscriptions(ctx context.Context, userID string) ([]twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Registry owns channel registration.
type Registry struct {
	store       Store
	helix       Helix
	callbackURL string
	secret      string
	logger      *slog.Logger
}

// New builds a Registry. callbackURL is the public URL of the webhook endpoint and
// secret the EventSub signing secret.
func New(store Store, helix Helix, callbackURL, secret string) *Registry {
	return &Registry{
		store:       store,
		helix:       helix,
		callbackURL: callbackURL,
		secret:      secret,
		logger:      slog.Default().With(slog.String("component", "registry")),
	}
}

func normalizeLogin(login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(login), "@")))
	if login == "" || len(login) > 25 {
		return "", fmt.Errorf("%w: %q", ErrInvalidLogin, login)
	}
	for _, r := range login {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return "", fmt.Errorf("%w: %q", ErrInvalidLogin, login)
		}
	}
	return login, nil
}

// Track resolves login, stores the channel and subscribes to its events. Tracking an
// already tracked channel refreshes its profile and fills in missing subscriptions.
func (r *Registry) Track(ctx context.Context, login string) (*streams.Channel, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return nil, err
	}
	user, err := r.helix.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", login, err)
	}
	ch := &streams.Channel{
		TwitchID:        user.ID,
		Login:           user.Login,
		DisplayName:     user.DisplayName,
		ProfileImageURL: user.ProfileImageURL,
	}
	if err := r.store.UpsertChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("store %s: %w", login, err)
	}

	var errs []error
	for _, s := range subscribed {
		_, err := r.helix.CreateSubscription(ctx, twitchapi.Subscription{
			Type:      string(s.Type),
			Version:   s.Version,
			Condition: map[string]string{"broadcaster_user_id": ch.TwitchID},
			Transport: twitchapi.Transport{Method: "webhook", Callback: r.callbackURL, Secret: r.secret},
		})
		switch {
		case err == nil:
		case errors.Is(err, twitchapi.ErrSubscriptionExists):
			r.logger.Debug("subscription already exists", slog.String("channel", ch.Login), slog.String("type", string(s.Type)))
		default:
			errs = append(errs, fmt.Errorf("subscribe %s to %s: %w", ch.Login, s.Type, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ch, err
	}
	r.logger.Info("channel tracked", slog.String("channel", ch.Login), slog.String("twitch_id", ch.TwitchID))
	return ch, nil
}

// Untrack removes the channel with its streams and deletes its subscriptions.
func (r *Registry) Untrack(ctx context.Context, login string) (*streams.Channel, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return nil, err
	}
	ch, err := r.store.DeleteChannel(ctx, login)
	if err != nil {
		return nil, err
	}

	subs, err := r.helix.ListSubscriptions(ctx, ch.TwitchID)
	if err != nil {
		return ch, fmt.Errorf("list subscriptions of %s: %w", login, err)
	}
	var errs []error
	for _, sub := range subs {
		if sub.Condition["broadcaster_user_id"] != ch.TwitchID {
			continue
		}
		if err := r.helix.DeleteSubscription(ctx, sub.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete subscription %s: %w", sub.ID, err))
		}
	}
	r.logger.Info("channel untracked", slog.String("channel", ch.Login), slog.Int("subscriptions", len(subs)))
	return ch, errors.Join(errs...)
}

// List returns all tracked channels ordered by login.
func (r *Registry) List(ctx context.Context) ([]streams.Channel, error) {
	return r.store.ListChannels(ctx)
}

// Events returns the newest diagnostic records of a channel: deliveries that had no
// stream to act on or an unsupported type.
func (r *Registry) Events(ctx context.Context, login string, limit int) (*streams.Channel, []streams.ChannelEvent, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return nil, nil, err
	}
	ch, err := r.store.ChannelByLogin(ctx, login)
	if err != nil {
		return nil, nil, err
	}
	events, err := r.store.ChannelEvents(ctx, ch.ID, limit)
	if err != nil {
		return ch, nil, fmt.Errorf("channel events of %s: %w", login, err)
	}
	return ch, events, nil
}
