package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{URL: url + "/", Token: "token", Retry: fastRetry()})
}

func TestClient_States(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`[{"entity_id":"switch.a","state":"on"},{"entity_id":"light.b","state":"unavailable"}]`))
	}))
	defer srv.Close()

	states, err := newTestClient(srv.URL).States(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 || states[0].EntityID != "switch.a" || states[0].State != "on" {
		t.Errorf("states = %+v", states)
	}
}

func TestClient_SetStateBatchesEntities(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		ids   [][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EntityID []string `json:"entity_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		ids = append(ids, body.EntityID)
		mu.Unlock()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.SetState(context.Background(), []string{"switch.a", "light.b"}, switches.On); err != nil {
		t.Fatal(err)
	}
	if err := c.SetState(context.Background(), []string{"switch.a"}, switches.Off); err != nil {
		t.Fatal(err)
	}

	if len(paths) != 2 {
		t.Fatalf("calls = %d, want 2", len(paths))
	}
	if paths[0] != "/api/services/homeassistant/turn_on" || len(ids[0]) != 2 {
		t.Errorf("first call = %s %v", paths[0], ids[0])
	}
	if paths[1] != "/api/services/homeassistant/turn_off" {
		t.Errorf("second call = %s", paths[1])
	}

	if err := c.SetState(context.Background(), []string{"switch.a"}, switches.Unavailable); err == nil {
		t.Error("expected error for unavailable target state")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).States(context.Background()); err != nil {
		t.Fatalf("States() = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"unauthorized", http.StatusUnauthorized, "unauthorized"},
		{"bad_request", http.StatusBadRequest, "400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).States(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestClient_WebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://ha.local:8123", "ws://ha.local:8123/api/websocket"},
		{"https://ha.example.com/", "wss://ha.example.com/api/websocket"},
		{"http://proxy/ha", "ws://proxy/ha/api/websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := NewClient(ClientConfig{URL: tt.base}).WebsocketURL()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("WebsocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
