package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/stitch/discord"
)

// MockTwitchServer creates a test server that mocks the Twitch token endpoint and
// the Helix calls the service makes. Paths are served under /helix.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	Subscriptions []map[string]any
	Deleted       []string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockSubscriptions()
	return m
}

// HelixURL is the Helix base URL of the mock.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the OAuth token URL of the mock.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login, displayName string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.URL.Query().Get("login"), login) {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": displayName, "profile_image_url": "https://cdn.example/" + login + ".png"},
			},
		})
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		wanted := map[string]bool{}
		for _, id := range r.URL.Query()["user_id"] {
			wanted[id] = true
		}
		var data []map[string]any
		for _, s := range streams {
			if id, _ := s["user_id"].(string); len(wanted) == 0 || wanted[id] {
				data = append(data, s)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

// MockSubscriptions serves create, list and delete of EventSub subscriptions from memory.
func (m *MockTwitchServer) MockSubscriptions() {
	m.Handlers["POST /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		var sub map[string]any
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		m.mu.Lock()
		sub["id"] = fmt.Sprintf("sub-%d", len(m.Subscriptions)+1)
		sub["status"] = "webhook_callback_verification_pending"
		m.Subscriptions = append(m.Subscriptions, sub)
		m.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []any{sub}})
	}
	m.Handlers["GET /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		m.mu.Lock()
		defer m.mu.Unlock()
		var data []map[string]any
		for _, s := range m.Subscriptions {
			cond, _ := s["condition"].(map[string]any)
			if userID == "" || cond["broadcaster_user_id"] == userID {
				data = append(data, s)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": map[string]any{}})
	}
	m.Handlers["DELETE /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := m.Subscriptions[:0]
		for _, s := range m.Subscriptions {
			if s["id"] != id {
				kept = append(kept, s)
			}
		}
		m.Subscriptions = kept
		m.Deleted = append(m.Deleted, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SubscriptionTypes returns the types of the live subscriptions.
func (m *MockTwitchServer) SubscriptionTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Subscriptions))
	for _, s := range m.Subscriptions {
		typ, _ := s["type"].(string)
		out = append(out, typ)
	}
	return out
}

// FakeDiscord records message creates and edits.
type FakeDiscord struct {
	*httptest.Server

	mu       sync.Mutex
	Messages map[string]discord.Message
	Calls    []string // "create" or "edit <id>"
	// Status, when set, is returned instead of success.
	Status int
	nextID int
}

// NewFakeDiscord starts a Discord API stand-in serving /channels/{channel}/messages.
func NewFakeDiscord(t *testing.T) *FakeDiscord {
	t.Helper()
	f := &FakeDiscord{Messages: map[string]discord.Message{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *FakeDiscord) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg discord.Message
	_ = json.Unmarshal(body, &msg)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Status != 0 {
		writeJSON(w, f.Status, map[string]any{"message": http.StatusText(f.Status), "code": 0})
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "messages":
		f.nextID++
		id := fmt.Sprintf("%d", 1000+f.nextID)
		f.Messages[id] = msg
		f.Calls = append(f.Calls, "create")
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "channel_id": parts[1]})
	case r.Method == http.MethodPatch && len(parts) == 4:
		id := parts[3]
		if _, ok := f.Messages[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Unknown Message", "code": 10008})
			return
		}
		f.Messages[id] = msg
		f.Calls = append(f.Calls, "edit "+id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// CallLog returns a copy of the recorded calls.
func (f *FakeDiscord) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// SetStatus makes every following request fail with status (0 restores success).
func (f *FakeDiscord) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = status
}

// Message returns the current body of message id.
func (f *FakeDiscord) Message(id string) (discord.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[id]
	return m, ok
}
