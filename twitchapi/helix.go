// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user lookup, live stream status and EventSub subscription management,
// using an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts per request for 429 and 5xx answers.
const helixMaxRetries = 3

var (
	// ErrNotFound is returned when Helix has no matching user, channel or live stream.
	ErrNotFound = errors.New("twitchapi: not found")
	// ErrSubscriptionExists is returned when an identical EventSub subscription exists.
	ErrSubscriptionExists = errors.New("twitchapi: subscription already exists")
)

// StatusError is a non-2xx Helix response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Message)
}

// HelixClient provides the Helix calls the service needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a Helix live stream.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
	Tags      []string  `json:"tags"`
}

// Categories returns the stream's category as a list, or nil when unset.
func (s Stream) Categories() []string {
	if s.GameName == "" {
		return nil
	}
	return []string{s.GameName}
}

// ChannelInfo is a broadcaster's current channel settings. Unlike Stream it is
// available the moment a stream starts.
type ChannelInfo struct {
	BroadcasterID    string   `json:"broadcaster_id"`
	BroadcasterLogin string   `json:"broadcaster_login"`
	BroadcasterName  string   `json:"broadcaster_name"`
	GameID           string   `json:"game_id"`
	GameName         string   `json:"game_name"`
	Title            string   `json:"title"`
	Tags             []string `json:"tags"`
}

// Categories returns the channel's category as a list, or nil when unset.
func (c ChannelInfo) Categories() []string {
	if c.GameName == "" {
		return nil
	}
	return []string{c.GameName}
}

// Transport is the delivery target of an EventSub subscription.
type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// Subscription is an EventSub subscription.
type Subscription struct {
	ID        string            `json:"id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// GetUserByLogin resolves a login name to its user.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {strings.ToLower(login)}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, login)
	}
	return &body.Data[0], nil
}

// GetStreams returns the live streams among userIDs, batching by Helix's limit of 100.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(userIDs); start += 100 {
		end := min(start+100, len(userIDs))
		q := url.Values{"first": {"100"}}
		for _, id := range userIDs[start:end] {
			q.Add("user_id", id)
		}
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.do(ctx, http.MethodGet, "/streams", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// GetStream returns the live stream of userID or ErrNotFound when offline.
func (hc *HelixClient) GetStream(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	streams, err := hc.GetStreams(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	for i := range streams {
		if streams[i].UserID == userID {
			return &streams[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no live stream for %s", ErrNotFound, userID)
}

// GetChannelInfo returns the channel settings of broadcasterID.
func (hc *HelixClient) GetChannelInfo(ctx context.Context, broadcasterID string) (*ChannelInfo, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []ChannelInfo `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: channel %s", ErrNotFound, broadcasterID)
	}
	return &body.Data[0], nil
}

// CreateSubscription registers a webhook EventSub subscription.
func (hc *HelixClient) CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	if sub.Transport.Method == "" {
		sub.Transport.Method = "webhook"
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sub, &body)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.Type)
	}
	if err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, errors.New("helix: create subscription returned no data")
	}
	return &body.Data[0], nil
}

// ListSubscriptions lists subscriptions, optionally filtered to one broadcaster.
func (hc *HelixClient) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	var out []Subscription
	cursor := ""
	for {
		q := url.Values{}
		if userID != "" {
			q.Set("user_id", userID)
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || body.Pagination.Cursor == cursor {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
}

// DeleteSubscription removes a subscription by id. Missing subscriptions are not an error.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	err := hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// do performs one Helix request. 429 and 5xx are retried with backoff (honouring
// Retry-After / Ratelimit-Reset); a 401 invalidates the app token and is retried once.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("helix: encode: %w", err)
		}
		reqBody = b
	}
	endpoint := hc.baseURL() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	refreshed := false
	op := func() (struct{}, error) {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "twitchapi"))
			}
		}()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return struct{}{}, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			refreshed = true
			hc.AppTokenSource.Invalidate(tok)
			return struct{}{}, backoff.RetryAfter(0)
		case resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, backoff.RetryAfter(rateLimitWait(resp.Header))
		case resp.StatusCode >= 500:
			return struct{}{}, &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		case resp.StatusCode >= 300:
			return struct{}{}, backoff.Permanent(&StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))})
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("helix: decode %s: %w", path, err))
			}
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	// one extra try for the 401 refresh
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(helixMaxRetries+1),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	return err
}

// rateLimitWait returns whole seconds to wait from Retry-After or Ratelimit-Reset.
func rateLimitWait(h http.Header) int {
	if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil && v >= 0 {
		return v
	}
	if reset, err := strconv.ParseInt(h.Get("Ratelimit-Reset"), 10, 64); err == nil {
		if wait := time.Until(time.Unix(reset, 0)); wait > 0 {
			return int(wait.Seconds()) + 1
		}
	}
	return 1
}
