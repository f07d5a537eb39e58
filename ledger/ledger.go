// Package ledger decides whether a webhook delivery has already been applied.
//
// The decision is made against a durable set of applied message ids. Claims are
// issued inside the same transaction as the state change they guard, so a rolled
// back change also forgets the claim and a redelivery is processed again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRetention is how long an applied message id is remembered.
const DefaultRetention = 72 * time.Hour

// ErrEmptyMessageID is returned for deliveries without a message id.
var ErrEmptyMessageID = errors.New("ledger: message id is required")

// Decision is the outcome of a claim.
type Decision int

const (
	FirstSeen Decision = iota
	AlreadySeen
)

func (d Decision) String() string {
	if d == AlreadySeen {
		return "already_seen"
	}
	return "first_seen"
}

// Delivery is one applied-delivery record.
type Delivery struct {
	MessageID string
	Kind      string
	ChannelID string
	AppliedAt time.Time
	ExpiresAt time.Time
}

// Entries inserts a record unless a live one exists. It reports whether this call
// created (or revived an expired) record. Implementations must be atomic with
// respect to concurrent inserts of the same id.
type Entries interface {
	InsertDelivery(ctx context.Context, d Delivery) (bool, error)
}

// Reader answers whether a live record exists.
type Reader interface {
	DeliveryApplied(ctx context.Context, messageID string, now time.Time) (bool, error)
}

// Pruner deletes records that expired at or before the given time.
type Pruner interface {
	PruneDeliveries(ctx context.Context, now time.Time) (int64, error)
}

// Deduplicator applies the retention policy on top of a record set.
type Deduplicator struct {
	Retention time.Duration
	Now       func() time.Time
}

// New returns a Deduplicator. retention is raised to minRetention when smaller, so an
// id cannot be forgotten while the verifier would still accept its delivery.
func New(retention, minRetention time.Duration) *Deduplicator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if retention < minRetention {
		retention = minRetention
	}
	return &Deduplicator{Retention: retention, Now: func() time.Time { return time.Now().UTC() }}
}

func (d *Deduplicator) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Claim records messageID as applied. Call it inside the transaction that applies the
// delivery; AlreadySeen means another transaction got there first and nothing may change.
func (d *Deduplicator) Claim(ctx context.Context, tx Entries, messageID, kind, channelID string) (Decision, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return AlreadySeen, ErrEmptyMessageID
	}
	now := d.now()
	created, err := tx.InsertDelivery(ctx, Delivery{
		MessageID: messageID,
		Kind:      kind,
		ChannelID: channelID,
		AppliedAt: now,
		ExpiresAt: now.Add(d.Retention),
	})
	if err != nil {
		return AlreadySeen, fmt.Errorf("claim delivery %s: %w", messageID, err)
	}
	if !created {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}

// Seen is a read-only pre-check. A false result is advisory; only Claim is authoritative.
func (d *Deduplicator) Seen(ctx context.Context, r Reader, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, ErrEmptyMessageID
	}
	return r.DeliveryApplied(ctx, messageID, d.now())
}

// Prune evicts expired records and returns how many were removed.
func (d *Deduplicator) Prune(ctx context.Context, p Pruner) (int64, error) {
	return p.PruneDeliveries(ctx, d.now())
}
