package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

func TestHealthEndpoint(t *testing.T) {
	srv := New(":0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestCreateSession(t *testing.T) {
	srv := New(":0")

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.RemoteAddr = "1.2.3.4:1111"
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}

	var sess map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sess["token"] == nil || sess["token"] == "" {
		t.Error("expected non-empty token")
	}
	if sess["user_id"] == nil || sess["user_id"] == "" {
		t.Error("expected non-empty user_id")
	}
}

func TestGetSessionRoundTrip(t *testing.T) {
	srv := New(":0")
	sess := srv.sessions.Create()

	req := httptest.NewRequest(http.MethodGet, "/api/session/"+sess.Token, nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got["user_id"] != sess.UserID {
		t.Errorf("expected user_id %s, got %v", sess.UserID, got["user_id"])
	}
}

func TestGetSessionUnknownToken(t *testing.T) {
	srv := New(":0")

	req := httptest.NewRequest(http.MethodGet, "/api/session/bogus", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestPresenceEmptyDiagram(t *testing.T) {
	srv := New(":0")

	req := httptest.NewRequest(http.MethodGet, "/api/diagrams/d1/presence", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body struct {
		Users []interface{} `json:"users"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Users) != 0 {
		t.Errorf("expected empty user list, got %d users", len(body.Users))
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := New(":0")
	srv.sessions.Create()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats["sessions"] != float64(1) {
		t.Errorf("expected 1 session, got %v", stats["sessions"])
	}
	if stats["rooms"] != float64(0) {
		t.Errorf("expected 0 rooms, got %v", stats["rooms"])
	}
	if stats["connections"] == nil {
		t.Error("expected connection stats")
	}
}

func TestRateLimitOnSessionEndpoint(t *testing.T) {
	srv := New(":0", WithRateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		w := httptest.NewRecorder()
		srv.mux.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected status 201, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
}

func TestWebSocketThroughServer(t *testing.T) {
	srv := New(":0")
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()
	defer srv.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + ts.URL[len("http"):] + "/api/diagrams/d1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	join := `{"type":"join_room","data":{"userId":"u1","userName":"Ann"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(join)); err != nil {
		t.Fatalf("write error: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Type != "user_presence" {
		t.Errorf("expected user_presence, got %s", env.Type)
	}

	// The REST presence view reflects the live registry.
	resp, err := http.Get(ts.URL + "/api/diagrams/d1/presence")
	if err != nil {
		t.Fatalf("presence request error: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(body.Users) != 1 || body.Users[0].ID != "u1" {
		t.Errorf("expected [u1], got %+v", body.Users)
	}
}

func TestWithRedisMirrorsPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	srv := New(":0", WithRedis(rdb))
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()
	defer srv.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + ts.URL[len("http"):] + "/api/diagrams/d1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	join := `{"type":"join_room","data":{"userId":"u1","userName":"Ann"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(join)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists("diagram:d1:presence") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !mr.Exists("diagram:d1:presence") {
		t.Fatal("expected presence mirrored to redis")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	srv := New(":0")
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + ts.URL[len("http"):] + "/api/diagrams/d1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatal("expected read to fail after shutdown")
	}
}
