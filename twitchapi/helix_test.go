package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HelixClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", TokenURL: server.URL + "/oauth2/token"}
	ts.SetToken("test-token", time.Now().Add(time.Hour))
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		BaseURL:        server.URL + "/helix",
	}, server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHelixClient_GetUserByLogin(t *testing.T) {
	tests := []struct {
		name        string
		login       string
		response    interface{}
		wantID      string
		errContains string
		wantErr     error
	}{
		{
			name:  "successful user lookup",
			login: "TestUser",
			response: map[string]interface{}{"data": []map[string]string{
				{"id": "12345", "login": "testuser", "display_name": "TestUser", "profile_image_url": "https://img/x.png"},
			}},
			wantID: "12345",
		},
		{
			name:     "user not found",
			login:    "nonexistent",
			response: map[string]interface{}{"data": []map[string]string{}},
			wantErr:  ErrNotFound,
		},
		{
			name:        "empty login",
			login:       "",
			errContains: "login empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/helix/users" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("login"); got != strings.ToLower(tt.login) {
					t.Errorf("login query = %q", got)
				}
				if r.Header.Get("Client-Id") != "test-client-id" || r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing auth headers: %v", r.Header)
				}
				writeJSON(w, http.StatusOK, tt.response)
			})
			user, err := client.GetUserByLogin(context.Background(), tt.login)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			case tt.errContains != "":
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("error = %v, want containing %q", err, tt.errContains)
				}
			default:
				if err != nil {
					t.Fatalf("GetUserByLogin() error = %v", err)
				}
				if user.ID != tt.wantID || user.DisplayName != "TestUser" || user.ProfileImageURL == "" {
					t.Errorf("unexpected user %+v", user)
				}
			}
		})
	}
}

func TestHelixClient_GetStream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("user_id") == "live" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]interface{}{{
				"id": "9001", "user_id": "live", "user_login": "livechannel", "title": "Live Now",
				"game_name": "Strategy", "type": "live", "started_at": "2024-10-15T14:30:00Z",
			}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []interface{}{}})
	})

	st, err := client.GetStream(context.Background(), "live")
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	if st.Title != "Live Now" || st.ID != "9001" {
		t.Errorf("unexpected stream %+v", st)
	}
	if cats := st.Categories(); len(cats) != 1 || cats[0] != "Strategy" {
		t.Errorf("Categories() = %v", cats)
	}
	if !st.StartedAt.Equal(time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("StartedAt = %v", st.StartedAt)
	}

	if _, err := client.GetStream(context.Background(), "offline"); !errors.Is(err, ErrNotFound) {
		t.Errorf("offline GetStream() error = %v, want ErrNotFound", err)
	}
}

func TestHelixClient_GetChannelInfo(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/channels" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("broadcaster_id") == "1001" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]interface{}{{
				"broadcaster_id": "1001", "broadcaster_login": "alpha", "broadcaster_name": "Alpha",
				"game_id": "743", "game_name": "Chess", "title": "Opening prep",
			}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []interface{}{}})
	})

	info, err := client.GetChannelInfo(context.Background(), "1001")
	if err != nil {
		t.Fatalf("GetChannelInfo() error = %v", err)
	}
	if info.Title != "Opening prep" || info.BroadcasterLogin != "alpha" {
		t.Errorf("unexpected channel %+v", info)
	}
	if cats := info.Categories(); len(cats) != 1 || cats[0] != "Chess" {
		t.Errorf("Categories() = %v", cats)
	}
	if (ChannelInfo{}).Categories() != nil {
		t.Error("unset game should have no categories")
	}

	if _, err := client.GetChannelInfo(context.Background(), "404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing GetChannelInfo() error = %v, want ErrNotFound", err)
	}
	if _, err := client.GetChannelInfo(context.Background(), ""); err == nil {
		t.Error("empty broadcaster id should fail")
	}
}

func TestHelixClient_GetStreamsBatches(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		ids := r.URL.Query()["user_id"]
		if len(ids) > 100 {
			t.Errorf("batch of %d exceeds 100", len(ids))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"user_id": ids[0]}}})
	})
	ids := make([]string, 150)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + "x"
	}
	streams, err := client.GetStreams(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if calls != 2 || len(streams) != 2 {
		t.Errorf("calls=%d streams=%d, want 2 and 2", calls, len(streams))
	}
}

func TestHelixClient_429RateLimiting(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "Too Many Requests", "status": 429})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "1", "login": "a"}}})
	})
	if _, err := client.GetUserByLogin(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error after 429 retry = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts (429 + success), got %d", attempts)
	}
}

func TestHelixClient_5xxRetry(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "bad gateway"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "1"}}})
	})
	if _, err := client.GetUserByLogin(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error after 5xx retry = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestHelixClient_4xxNotRetried(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Bad Request", "message": "invalid login"})
	})
	_, err := client.GetUserByLogin(context.Background(), "a")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("4xx retried %d times", attempts)
	}
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	userAttempts, tokenRequests := 0, 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "fresh-token", "token_type": "bearer", "expires_in": 3600})
		case "/helix/users":
			userAttempts++
			if userAttempts == 1 {
				if got := r.Header.Get("Authorization"); got != "Bearer stale-token" {
					t.Errorf("first attempt auth = %q, want stale token", got)
				}
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized", "status": 401})
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
				t.Errorf("second attempt auth = %q, want refreshed token", got)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "u-123"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client.AppTokenSource.SetToken("stale-token", time.Now().Add(time.Hour))

	user, err := client.GetUserByLogin(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserByLogin() unexpected error = %v", err)
	}
	if user.ID != "u-123" {
		t.Fatalf("id = %q, want u-123", user.ID)
	}
	if tokenRequests != 1 || userAttempts != 2 {
		t.Fatalf("tokenRequests=%d userAttempts=%d, want 1 and 2", tokenRequests, userAttempts)
	}
}

func TestHelixClient_Subscriptions(t *testing.T) {
	var created []Subscription
	deleted := []string{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/eventsub/subscriptions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			var sub Subscription
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &sub)
			if sub.Type == "stream.offline" {
				writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "Conflict", "message": "subscription already exists"})
				return
			}
			sub.ID = "sub-" + sub.Type
			sub.Status = "webhook_callback_verification_pending"
			sub.Transport.Secret = ""
			created = append(created, sub)
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"data": []Subscription{sub}})
		case http.MethodGet:
			if r.URL.Query().Get("after") == "" {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data":       []Subscription{{ID: "a", Type: "stream.online"}},
					"pagination": map[string]string{"cursor": "next"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"data": []Subscription{{ID: "b", Type: "stream.offline"}}, "pagination": map[string]string{}})
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			if id == "gone" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			deleted = append(deleted, id)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	sub, err := client.CreateSubscription(ctx, Subscription{
		Type: "channel.update", Version: "2",
		Condition: map[string]string{"broadcaster_user_id": "42"},
		Transport: Transport{Callback: "https://example.test/webhook/twitch", Secret: "0123456789"},
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if sub.ID != "sub-channel.update" || created[0].Transport.Method != "webhook" || created[0].Version != "2" {
		t.Errorf("unexpected subscription %+v / %+v", sub, created[0])
	}
	if _, err := client.CreateSubscription(ctx, Subscription{Type: "stream.offline", Version: "1"}); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("expected ErrSubscriptionExists, got %v", err)
	}

	subs, err := client.ListSubscriptions(ctx, "42")
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("expected 2 subscriptions across pages, got %d", len(subs))
	}

	if err := client.DeleteSubscription(ctx, "a"); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}
	if err := client.DeleteSubscription(ctx, "gone"); err != nil {
		t.Fatalf("DeleteSubscription() of missing id error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "a" {
		t.Errorf("deleted = %v", deleted)
	}
}
