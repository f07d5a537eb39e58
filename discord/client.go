package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/onnwee/stitch/telemetry"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"
	breakerName    = "discord-api"
)

// ErrUnavailable is returned without calling Discord while the circuit is open.
var ErrUnavailable = errors.New("discord: circuit open")

// APIError is a non-2xx response from Discord.
type APIError struct {
	Status     int
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord: %d %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("discord: status %d", e.Status)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// RPS and Burst bound outbound requests; zero RPS disables limiting.
	RPS   float64
	Burst int
	// HTTPClient is the transport under the bot authorization; defaults to a 15s timeout client.
	HTTPClient *http.Client
}

// Client calls the Discord REST API with a bot token.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// New builds a Client. The bot token is attached by an oauth2 transport so it never
// appears in request-building code.
func New(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bot"}))
	authed.Timeout = base.Timeout

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	logger := slog.Default().With(slog.String("component", "discord"))
	telemetry.SetCircuitState(breakerName, "closed")

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client errors mean a bad request, not an unhealthy Discord
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state change", slog.String("from", from.String()), slog.String("to", to.String()))
			telemetry.RecordCircuitStateChange(name, from.String(), to.String())
		},
	})

	return &Client{baseURL: baseURL, http: authed, limiter: limiter, breaker: cb, logger: logger}
}

// CircuitState returns "closed", "half-open" or "open".
func (c *Client) CircuitState() string { return c.breaker.State().String() }

// CreateMessage posts m to channelID and returns the new message id.
func (c *Client) CreateMessage(ctx context.Context, channelID string, m Message) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", m)
	if err != nil {
		return "", err
	}
	var resp messageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("discord: decode message: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("discord: create message returned no id")
	}
	return resp.ID, nil
}

// EditMessage replaces the content and embeds of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, m Message) error {
	_, err := c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, m)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("discord: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/onnwee/stitch, 1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.Unmarshal(body, apiErr)
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), body)
	}
	return nil, apiErr
}

// retryAfter reads the Retry-After header, falling back to the JSON retry_after field.
func retryAfter(header string, body []byte) time.Duration {
	if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	return 0
}
