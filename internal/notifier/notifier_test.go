package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/uesteibar/dispatchd/internal/registry"
	"github.com/uesteibar/dispatchd/internal/store"
)

type capture struct {
	method string
	body   map[string]any
}

// testServer records every API call and answers ok with a fixed ts.
func testServer(t *testing.T, calls *[]capture) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		*calls = append(*calls, capture{
			method: strings.TrimPrefix(r.URL.Path, "/"),
			body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "ts": "1234.5678"}`))
	}))
	t.Cleanup(srv.Close)
	return New("test-token", WithEndpoint(srv.URL), WithRetryBackoff(time.Millisecond))
}

func TestPostMessage_ReturnsTimestamp(t *testing.T) {
	var calls []capture
	c := testServer(t, &calls)

	ts, err := c.PostMessage(context.Background(), Message{Channel: "C01", Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != "1234.5678" {
		t.Errorf("expected ts 1234.5678, got %s", ts)
	}
	if len(calls) != 1 || calls[0].method != "chat.postMessage" {
		t.Errorf("expected one chat.postMessage call, got %+v", calls)
	}
}

func TestPostMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": false, "error": "channel_not_found"}`))
	}))
	defer srv.Close()
	c := New("t", WithEndpoint(srv.URL), WithRetryBackoff(time.Millisecond))

	_, err := c.PostMessage(context.Background(), Message{Channel: "C01", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("expected channel_not_found error, got %v", err)
	}
}

func TestPostMessage_RetriesOn5xx(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok": true, "ts": "1.2"}`))
	}))
	defer srv.Close()
	c := New("t", WithEndpoint(srv.URL), WithRetryBackoff(time.Millisecond, time.Millisecond))

	if _, err := c.PostMessage(context.Background(), Message{Channel: "C01", Text: "x"}); err != nil {
		t.Fatalf("expected retries to recover: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestUpdateMessage_RequiresTimestamp(t *testing.T) {
	var calls []capture
	c := testServer(t, &calls)

	if err := c.UpdateMessage(context.Background(), Message{Channel: "C01", Text: "x"}); err == nil {
		t.Fatal("expected error without timestamp")
	}
	if err := c.UpdateMessage(context.Background(), Message{Channel: "C01", Text: "x", Timestamp: "1.2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0].method != "chat.update" {
		t.Errorf("expected one chat.update call, got %+v", calls)
	}
}

func TestSelectionPayload_RoundTrip(t *testing.T) {
	original := SelectionPayload{ProjectID: "website", Description: "fix  the login"}
	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}

	decoded, err := DecodeSelectionPayload(encoded)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip changed payload: %+v != %+v", decoded, original)
	}
}

func TestDecodeSelectionPayload_Invalid(t *testing.T) {
	if _, err := DecodeSelectionPayload("not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := DecodeSelectionPayload(`{"description": "x"}`); err == nil {
		t.Error("expected error for missing project_id")
	}
}

func TestDisambiguation_CarriesPayloadPerOption(t *testing.T) {
	var calls []capture
	n := NewNotifier(testServer(t, &calls))

	task := store.Task{ID: "01H", Description: "fix login", ChannelID: "C01", ThreadID: "9.9"}
	candidates := []registry.Project{
		{ID: "website", Name: "Website"},
		{ID: "api", Name: "API"},
	}

	ts, err := n.Disambiguation(context.Background(), task, "webstie", candidates, candidates[:1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != "1234.5678" {
		t.Errorf("expected prompt ts returned, got %s", ts)
	}

	raw, err := json.Marshal(calls[0].body["blocks"])
	if err != nil {
		t.Fatal(err)
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		t.Fatalf("decoding blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected section and actions blocks, got %d", len(blocks))
	}

	options := blocks[1].Elements[0].Options
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(options))
	}
	payload, err := DecodeSelectionPayload(options[0].Value)
	if err != nil {
		t.Fatalf("decoding option payload: %v", err)
	}
	if payload.ProjectID != "website" || payload.Description != "fix login" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestConfirmSelection_UpdatesPrompt(t *testing.T) {
	var calls []capture
	n := NewNotifier(testServer(t, &calls))

	task := store.Task{ID: "01H", ChannelID: "C01"}
	err := n.ConfirmSelection(context.Background(), task, registry.Project{ID: "website", Name: "Website"}, "42.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls[0].method != "chat.update" {
		t.Errorf("expected chat.update, got %s", calls[0].method)
	}
	if calls[0].body["ts"] != "42.1" {
		t.Errorf("expected prompt ts 42.1, got %v", calls[0].body["ts"])
	}
}

func TestFailed_TruncatesLongErrors(t *testing.T) {
	var calls []capture
	n := NewNotifier(testServer(t, &calls))

	task := store.Task{
		ID:           "01H",
		ChannelID:    "C01",
		ErrorMessage: strings.Repeat("x", 2000),
	}
	if err := n.Failed(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := calls[0].body["text"].(string)
	if len(text) > 600 {
		t.Errorf("expected truncated error text, got %d chars", len(text))
	}
	if !strings.Contains(text, "...") {
		t.Error("expected truncation marker")
	}
}

func TestProjectList(t *testing.T) {
	out := ProjectList([]registry.Project{
		{ID: "api", Name: "API", RepoURL: "https://x/api"},
	})
	if !strings.Contains(out, "API") || !strings.Contains(out, "`api`") {
		t.Errorf("unexpected listing %q", out)
	}
	if got := ProjectList(nil); got != "No active projects." {
		t.Errorf("unexpected empty listing %q", got)
	}
}
