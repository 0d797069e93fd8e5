package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestFeed(t *testing.T) *RedisFeed {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFeed(client)
}

func TestSubscribeReceivesChangeSignal(t *testing.T) {
	f := setupTestFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := f.MessagesChanged(ctx, "chat-1"); err != nil {
		t.Fatalf("MessagesChanged failed: %v", err)
	}

	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestSubscribeIgnoresOtherChats(t *testing.T) {
	f := setupTestFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := f.MessagesChanged(ctx, "chat-2"); err != nil {
		t.Fatalf("MessagesChanged failed: %v", err)
	}

	select {
	case <-sub.C:
		t.Fatal("received a signal for a different chat")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignalsCoalesce(t *testing.T) {
	f := setupTestFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := f.MessagesChanged(ctx, "chat-1"); err != nil {
			t.Fatalf("MessagesChanged failed: %v", err)
		}
	}

	// Let the forwarding goroutine drain the burst.
	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first signal")
	}
	deadline := time.After(200 * time.Millisecond)
	extra := 0
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			extra++
			if extra > 4 {
				t.Fatal("burst was not coalesced at all")
			}
		case <-deadline:
			return
		}
	}
}

func TestCloseStopsSignals(t *testing.T) {
	f := setupTestFeed(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Close()

	// Channel closes once the forwarding goroutine unwinds.
	select {
	case _, ok := <-sub.C:
		if ok {
			// A signal raced the close; the next read must observe closure.
			if _, ok := <-sub.C; ok {
				t.Fatal("expected channel to close after Close")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestNopFeedSubscribeNeverFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := NopFeed{}.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := (NopFeed{}).MessagesChanged(ctx, "chat-1"); err != nil {
		t.Fatalf("MessagesChanged failed: %v", err)
	}
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("nop subscription must not deliver signals")
		}
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
}
