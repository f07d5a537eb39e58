package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/onnwee/stitch/registry"
	"github.com/onnwee/stitch/streams"
	"github.com/onnwee/stitch/telemetry"
	"github.com/onnwee/stitch/twitchapi"
)

type channelView struct {
	ID              int64  `json:"id"`
	TwitchID        string `json:"twitch_id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

type channelEventView struct {
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	MessageID  string          `json:"message_id"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// maxChannelEvents caps the ?limit of the events listing.
const maxChannelEvents = 200

func viewOf(c *streams.Channel) channelView {
	return channelView{ID: c.ID, TwitchID: c.TwitchID, Login: c.Login, DisplayName: c.DisplayName, ProfileImageURL: c.ProfileImageURL}
}

// listChannels returns all tracked channels.
func (h *handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]channelView, 0, len(channels))
	for i := range channels {
		out = append(out, viewOf(&channels[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// trackChannel registers a channel from {"login": "..."}.
func (h *handlers) trackChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"), slog.String("login", req.Login))

	ch, err := h.channels.Track(r.Context(), req.Login)
	switch {
	case errors.Is(err, registry.ErrInvalidLogin):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, twitchapi.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil && ch == nil:
		logger.Error("track channel failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err)
		return
	case err != nil:
		// stored, but some subscriptions are missing; tracking again fills them in
		logger.Warn("channel tracked with subscription errors", slog.Any("err", err))
		writeJSON(w, http.StatusMultiStatus, map[string]any{"channel": viewOf(ch), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel": viewOf(ch)})
}

// untrackChannel removes a channel by login.
func (h *handlers) untrackChannel(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"), slog.String("login", login))

	ch, err := h.channels.Untrack(r.Context(), login)
	switch {
	case errors.Is(err, registry.ErrInvalidLogin):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, streams.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil && ch == nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	case err != nil:
		logger.Warn("channel untracked with subscription errors", slog.Any("err", err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// channelEvents lists a channel's diagnostic log, newest first.
func (h *handlers) channelEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxChannelEvents)
	}

	ch, events, err := h.channels.Events(r.Context(), chi.URLParam(r, "login"), limit)
	switch {
	case errors.Is(err, registry.ErrInvalidLogin):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, streams.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]channelEventView, 0, len(events))
	for _, e := range events {
		out = append(out, channelEventView{Kind: e.Kind, OccurredAt: e.OccurredAt, MessageID: e.MessageID, Reason: e.Reason, Payload: e.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": viewOf(ch), "events": out})
}
