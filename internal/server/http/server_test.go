package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	cfgpkg "github.com/quillmq/quill/internal/config"
	"github.com/quillmq/quill/internal/runtime"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
)

func newTestServer(t *testing.T) (*runtime.Runtime, *Server) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt, New(rt, Options{})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" || resp["instance"] == "" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestPublishAndReadFlow(t *testing.T) {
	_, s := newTestServer(t)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish",
			publishReq{Producer: "p1", SequenceID: int64(i), Payload: []byte("hello")})
		if rec.Code != http.StatusOK {
			t.Fatalf("publish %d: status %d body %s", i, rec.Code, rec.Body)
		}
		var resp struct {
			Position *positionJSON `json:"position"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Position == nil || resp.Position.Offset != uint64(i) {
			t.Fatalf("publish %d: position %+v", i, resp.Position)
		}
	}

	// Replaying a persisted id reports duplicate without storing.
	rec := doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish",
		publishReq{Producer: "p1", SequenceID: 1, Payload: []byte("hello")})
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate publish: status %d", rec.Code)
	}
	var dup struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dup); err != nil || !dup.Duplicate {
		t.Fatalf("duplicate publish: body %s err %v", rec.Body, err)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/topics/orders/entries?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("entries: status %d", rec.Code)
	}
	var entries struct {
		Entries []struct {
			Producer   string `json:"producer"`
			SequenceID int64  `json:"sequenceId"`
			Payload    []byte `json:"payload"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries.Entries) != 3 {
		t.Fatalf("%d entries, want 3", len(entries.Entries))
	}
	if e := entries.Entries[2]; e.SequenceID != 2 || string(e.Payload) != "hello" {
		t.Fatalf("entry = %+v", e)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/topics/orders/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats struct {
		State      string        `json:"state"`
		LastStored *positionJSON `json:"lastStored"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.State != "open" || stats.LastStored == nil || stats.LastStored.Offset != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPublishValidation(t *testing.T) {
	_, s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish", publishReq{SequenceID: 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing producer: status %d", rec.Code)
	}
	big := make([]byte, 2<<20)
	rec = doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish",
		publishReq{Producer: "p1", Payload: big})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized payload: status %d", rec.Code)
	}
}

func TestStatsUnknownTopic(t *testing.T) {
	_, s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/topics/nope/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteTopic(t *testing.T) {
	_, s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish",
		publishReq{Producer: "p1", SequenceID: 0, Payload: []byte("x")})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: status %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/v1/topics/orders", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/topics/orders/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stats after delete: status %d", rec.Code)
	}
	// The old sequence id is accepted again on the recreated topic.
	rec = doJSON(t, h, http.MethodPost, "/v1/topics/orders/publish",
		publishReq{Producer: "p1", SequenceID: 0, Payload: []byte("x")})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish after delete: status %d body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Position  *positionJSON `json:"position"`
		Duplicate bool          `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Duplicate || resp.Position == nil || resp.Position.Segment != 0 || resp.Position.Offset != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRecoverOpenTopicIsNoop(t *testing.T) {
	rt, s := newTestServer(t)
	if _, err := rt.OpenTopic("orders"); err != nil {
		t.Fatalf("open topic: %v", err)
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/topics/orders/recover", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recover: status %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["state"] != "open" {
		t.Fatalf("resp = %v err = %v", resp, err)
	}
}
