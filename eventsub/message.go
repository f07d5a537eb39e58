package eventsub

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// ErrMalformed is returned by Decode for bodies that cannot be interpreted.
var ErrMalformed = errors.New("eventsub: malformed message")

const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageRetry     = "Twitch-Eventsub-Message-Retry"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

const (
	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"
)

// Headers holds the EventSub delivery headers.
type Headers struct {
	MessageID        string
	Retry            string
	MessageType      string
	Signature        string
	Timestamp        string
	SubscriptionType string
}

// ParseHeaders extracts EventSub headers. Missing values are left empty; Verify
// rejects deliveries without the signature triple.
func ParseHeaders(h http.Header) Headers {
	return Headers{
		MessageID:        h.Get(HeaderMessageID),
		Retry:            h.Get(HeaderMessageRetry),
		MessageType:      h.Get(HeaderMessageType),
		Signature:        h.Get(HeaderMessageSignature),
		Timestamp:        h.Get(HeaderMessageTimestamp),
		SubscriptionType: h.Get(HeaderSubscriptionType),
	}
}

// Subscription is the subscription object included with every message.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
}

// Message is a decoded delivery. Event is set for notifications, Challenge for
// verification requests.
type Message struct {
	ID           string
	Type         string
	Timestamp    time.Time
	Subscription Subscription
	Challenge    string
	Event        Event
}

type envelope struct {
	Subscription Subscription    `json:"subscription"`
	Challenge    string          `json:"challenge"`
	Event        json.RawMessage `json:"event"`
}

// Decode interprets an authenticated delivery. The message timestamp header becomes
// the event's OccurredAt.
func Decode(h Headers, body []byte) (*Message, error) {
	ts, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &Message{ID: h.MessageID, Type: h.MessageType, Timestamp: ts.UTC(), Subscription: env.Subscription}
	switch h.MessageType {
	case MessageTypeVerification:
		if env.Challenge == "" {
			return nil, fmt.Errorf("%w: verification without challenge", ErrMalformed)
		}
		msg.Challenge = env.Challenge
	case MessageTypeRevocation:
	case MessageTypeNotification:
		if len(env.Event) == 0 {
			return nil, fmt.Errorf("%w: notification without event", ErrMalformed)
		}
		subType := env.Subscription.Type
		if subType == "" {
			subType = h.SubscriptionType
		}
		ev, err := decodeEvent(subType, env.Event, msg.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s event: %v", ErrMalformed, subType, err)
		}
		if ev.Kind() != KindUnknown && ev.Channel().ID == "" {
			return nil, fmt.Errorf("%w: %s event without broadcaster", ErrMalformed, subType)
		}
		msg.Event = ev
	default:
		return nil, fmt.Errorf("%w: message type %q", ErrMalformed, h.MessageType)
	}
	return msg, nil
}
