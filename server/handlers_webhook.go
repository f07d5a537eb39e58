package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stitch/eventsub"
	"github.com/onnwee/stitch/lifecycle"
	"github.com/onnwee/stitch/telemetry"
)

// EventSub payloads are small; anything larger is not a delivery.
const maxWebhookBody = 1 << 20

// webhook receives EventSub deliveries. Twitch retries anything but a 2xx, so only
// failures a retry can fix answer 5xx.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { telemetry.Observe(telemetry.WebhookDuration, time.Since(start)) }()

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	hdr := eventsub.ParseHeaders(r.Header)
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerWebhook, "webhook.delivery",
		telemetry.DeliveryAttrs(hdr.MessageID, hdr.SubscriptionType, "")...)
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "webhook"),
		slog.String("message_id", hdr.MessageID),
		slog.String("message_type", hdr.MessageType),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		telemetry.CountDelivery("malformed")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, err := h.verifier.Verify(hdr, body); err != nil {
		telemetry.CountDelivery("rejected")
		telemetry.RecordError(span, err)
		logger.Warn("webhook rejected", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	msg, err := eventsub.Decode(hdr, body)
	if err != nil {
		telemetry.CountDelivery("malformed")
		logger.Warn("webhook malformed", slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case eventsub.MessageTypeVerification:
		telemetry.CountDelivery("challenge")
		logger.Info("subscription verified",
			slog.String("subscription_type", msg.Subscription.Type),
			slog.String("broadcaster_id", msg.Subscription.Condition["broadcaster_user_id"]))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, msg.Challenge)

	case eventsub.MessageTypeRevocation:
		telemetry.CountDelivery("revocation")
		logger.Warn("subscription revoked",
			slog.String("subscription_id", msg.Subscription.ID),
			slog.String("subscription_type", msg.Subscription.Type),
			slog.String("status", msg.Subscription.Status),
			slog.String("broadcaster_id", msg.Subscription.Condition["broadcaster_user_id"]))
		w.WriteHeader(http.StatusNoContent)

	default:
		rc, err := h.engine.Handle(ctx, lifecycle.Input{MessageID: msg.ID, Event: msg.Event})
		if err != nil {
			telemetry.RecordError(span, err)
			status := deliveryStatus(err)
			telemetry.CountDelivery("error")
			logger.Error("delivery failed", slog.Any("err", err), slog.Int("status", status))
			http.Error(w, http.StatusText(status), status)
			return
		}
		telemetry.CountDelivery(rc.Result.String())
		telemetry.SetSpanSuccess(span)
		w.WriteHeader(http.StatusNoContent)
	}
}

// deliveryStatus maps an engine error onto the webhook response.
func deliveryStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrEnrichment):
		return http.StatusBadGateway
	default:
		// storage failures and timeouts: the ledger claim was rolled back, so a retry
		// is processed again
		return http.StatusInternalServerError
	}
}
