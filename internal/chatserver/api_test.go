package chatserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pairchat/server/internal/protocol"
)

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	r := chi.NewRouter()
	f.svc.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: invalid JSON %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func TestAPIActiveRoom(t *testing.T) {
	f := newFixture(t, Options{})
	roomID := f.pair(t, "u1", "u2")

	rec, body := f.get(t, "/api/users/u1/room")
	if rec.Code != http.StatusOK || body["roomId"] != roomID {
		t.Fatalf("expected 200 with room %s, got %d %v", roomID, rec.Code, body)
	}

	rec, body = f.get(t, "/api/users/u9/room")
	if rec.Code != http.StatusNotFound || body["code"] != protocol.CodeNotInRoom {
		t.Fatalf("expected 404 not_in_room, got %d %v", rec.Code, body)
	}
}

func TestAPIHistory(t *testing.T) {
	f := newFixture(t, Options{})
	roomID := f.pair(t, "u1", "u2")
	f.svc.SendMessage(f.ctx, "u1", roomID, "first", "")
	f.svc.SendMessage(f.ctx, "u2", roomID, "second", "")

	rec, body := f.get(t, "/api/rooms/"+roomID+"/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rec.Code, body)
	}
	msgs, _ := body["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", body["messages"])
	}
	if msgs[0].(map[string]interface{})["text"] != "first" || msgs[1].(map[string]interface{})["text"] != "second" {
		t.Fatalf("history out of order: %v", msgs)
	}

	rec, _ = f.get(t, "/api/rooms/nope/messages")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", rec.Code)
	}
}

func TestAPIEmptyHistoryIsArray(t *testing.T) {
	f := newFixture(t, Options{})
	roomID := f.pair(t, "u1", "u2")

	rec, body := f.get(t, "/api/rooms/"+roomID+"/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if msgs, ok := body["messages"].([]interface{}); !ok || len(msgs) != 0 {
		t.Fatalf("expected empty array, got %#v", body["messages"])
	}
}

func TestAPIPresence(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t, "u1", "c1")

	rec, body := f.get(t, "/api/users/u1/presence")
	if rec.Code != http.StatusOK || body["online"] != true || body["userId"] != "u1" {
		t.Fatalf("expected u1 online, got %d %v", rec.Code, body)
	}

	if err := f.svc.Disconnect(f.ctx, "u1", "c1"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	_, body = f.get(t, "/api/users/u1/presence")
	if body["online"] != false {
		t.Fatalf("expected u1 offline after disconnect, got %v", body)
	}
}
