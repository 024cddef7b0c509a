package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"xbtagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestAsk_SendsQuestionAndSecret(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/agent/42/ask" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-secret") != "s3cret" {
			t.Errorf("missing api secret header")
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing request id header")
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"status":"ok","data":{"answer":"hi","agentData":{"x":1}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", APIKey: "s3cret", FID: "42", Logger: testLogger()})
	resp, err := c.Ask(context.Background(), domain.AskRequest{Question: "hello", ConversationID: "c1"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !resp.OK() || resp.Answer() != "hi" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if gotBody["question"] != "hello" {
		t.Fatalf("expected question in body, got %v", gotBody)
	}
	if _, ok := gotBody["conversationId"]; ok {
		t.Fatalf("expected context fields to be omitted, got %v", gotBody)
	}
}

func TestAsk_IncludeContext(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"ok","data":{"answer":""}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, FID: "42", IncludeContext: true, Logger: testLogger()})
	_, err := c.Ask(context.Background(), domain.AskRequest{Question: "q", ConversationID: "c1", IsGroup: true})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if gotBody["conversationId"] != "c1" || gotBody["isGroup"] != true {
		t.Fatalf("expected context fields, got %v", gotBody)
	}
}

func TestAsk_NokIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"nok","message":"quota"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, FID: "1", Logger: testLogger()})
	resp, err := c.Ask(context.Background(), domain.AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OK() || resp.Answer() != "" {
		t.Fatalf("expected nok response, got %+v", resp)
	}
}

func TestAsk_Non2xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, FID: "1", Logger: testLogger()})
	_, err := c.Ask(context.Background(), domain.AskRequest{Question: "q"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Body != "down" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestUpdateGroupMetadata(t *testing.T) {
	var got domain.GroupMetadataDelta
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/agent/7/groups/g1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		raw, _ = io.ReadAll(r.Body)
		json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, FID: "7", Logger: testLogger()})
	delta := domain.GroupMetadataDelta{
		GroupID:      "g1",
		Name:         "Team",
		AddedInboxes: []string{"a"},
		MembersToAdd: []domain.MemberToAdd{{InboxID: "a", Address: "0x1"}},
	}
	if err := c.UpdateGroupMetadata(context.Background(), delta); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "Team" || len(got.MembersToAdd) != 1 {
		t.Fatalf("unexpected body %+v", got)
	}
	if !strings.Contains(string(raw), `"addedInboxes":["a"]`) {
		t.Fatalf("expected inbox ids in body, got %s", raw)
	}

	if err := c.UpdateGroupMetadata(context.Background(), domain.GroupMetadataDelta{}); err == nil {
		t.Fatal("expected error for empty group id")
	}
}

func TestAsk_RateLimited(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"status":"ok","data":{"answer":"hi"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", FID: "42", RatePerMinute: 1, Burst: 1, Logger: testLogger()})
	if _, err := c.Ask(context.Background(), domain.AskRequest{Question: "one"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Ask(ctx, domain.AskRequest{Question: "two"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected throttled ask to hit the deadline, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("throttled ask must not reach the backend, got %d calls", calls)
	}
}
