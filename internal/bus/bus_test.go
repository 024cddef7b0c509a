package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"xbtagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	b.Publish(domain.InboundEvent{ID: "1"})
	b.Publish(domain.InboundEvent{ID: "2"})

	ch := b.Subscribe()
	if ev := <-ch; ev.ID != "1" {
		t.Fatalf("expected event 1, got %q", ev.ID)
	}
	if ev := <-ch; ev.ID != "2" {
		t.Fatalf("expected event 2, got %q", ev.ID)
	}
}

func TestPublishDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	b.timeout = 20 * time.Millisecond

	b.Publish(domain.InboundEvent{ID: "1"})
	start := time.Now()
	b.Publish(domain.InboundEvent{ID: "2"})
	if time.Since(start) < b.timeout {
		t.Fatal("expected publish to wait before dropping")
	}
	if got := len(b.Subscribe()); got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(domain.InboundEvent{ID: "1"})
	b.Close()
	b.Close()
	b.Publish(domain.InboundEvent{ID: "2"})

	var ids []string
	for ev := range b.Subscribe() {
		ids = append(ids, ev.ID)
	}
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("expected buffered event only, got %v", ids)
	}
}
