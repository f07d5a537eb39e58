package lifecycle

import "errors"

var (
	// ErrStorage wraps any failure that rolled back a delivery's transaction.
	// The webhook answers 5xx so Twitch redelivers.
	ErrStorage = errors.New("lifecycle: storage failure")
	// ErrInvalidTransition is returned for an input the machine cannot interpret.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrEnrichment is returned when an online event's title and category could not
	// be looked up. Nothing was recorded, so a redelivery is processed in full.
	ErrEnrichment = errors.New("lifecycle: stream metadata unavailable")
	// ErrDraining is returned once shutdown has started.
	ErrDraining = errors.New("lifecycle: engine draining")
)
