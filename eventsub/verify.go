package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrAuthentication is wrapped by every rejection reason returned from Verify.
var ErrAuthentication = errors.New("eventsub: authentication failed")

const signaturePrefix = "sha256="

// Verdict is the outcome of verifying a delivery.
type Verdict int

const (
	Rejected Verdict = iota
	Authentic
)

func (v Verdict) String() string {
	if v == Authentic {
		return "authentic"
	}
	return "rejected"
}

// Verifier checks EventSub HMAC signatures and message freshness.
type Verifier struct {
	secret  []byte
	maxAge  time.Duration
	maxSkew time.Duration

	// Now is the clock used for the freshness window; tests replace it.
	Now func() time.Time
}

// NewVerifier returns a Verifier for the subscription secret. Zero durations
// fall back to 10 minutes of age and 1 minute of future skew.
func NewVerifier(secret string, maxAge, maxSkew time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if maxSkew <= 0 {
		maxSkew = time.Minute
	}
	return &Verifier{secret: []byte(secret), maxAge: maxAge, maxSkew: maxSkew, Now: time.Now}
}

// MaxAge is the oldest message timestamp the verifier accepts.
func (v *Verifier) MaxAge() time.Duration { return v.maxAge }

// Verify returns Authentic when the signature matches and the timestamp is inside the
// freshness window. On rejection the error wraps ErrAuthentication and names the reason;
// it is meant for logs only.
func (v *Verifier) Verify(h Headers, body []byte) (Verdict, error) {
	if h.MessageID == "" || h.Timestamp == "" || h.Signature == "" {
		return Rejected, fmt.Errorf("%w: missing signature headers", ErrAuthentication)
	}

	ts, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	if err != nil {
		return Rejected, fmt.Errorf("%w: bad timestamp %q", ErrAuthentication, h.Timestamp)
	}
	now := v.Now()
	if now.Sub(ts) > v.maxAge {
		return Rejected, fmt.Errorf("%w: message older than %s", ErrAuthentication, v.maxAge)
	}
	if ts.Sub(now) > v.maxSkew {
		return Rejected, fmt.Errorf("%w: message timestamp %s ahead of clock", ErrAuthentication, ts.Sub(now).Round(time.Second))
	}

	expected := Sign(v.secret, h.MessageID, h.Timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(h.Signature)) {
		return Rejected, fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return Authentic, nil
}

// Sign computes the Twitch-Eventsub-Message-Signature value for a delivery.
func Sign(secret []byte, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
