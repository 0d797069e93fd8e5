// Package feed delivers live change notifications for chat message logs.
// Every append or delete publishes a notice on the chat's channel; each
// standing viewer re-reads the full current message set on every notice,
// mirroring a document-store snapshot listener. Notices carry no payload,
// so a slow viewer coalesces bursts instead of buffering them.
package feed

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Feed publishes and subscribes to per-chat change notices.
type Feed interface {
	// MessagesChanged signals that chatID's message log changed.
	MessagesChanged(ctx context.Context, chatID string) error
	// Subscribe opens a standing subscription for chatID. The subscription
	// is torn down when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, chatID string) (*Subscription, error)
}

// Subscription is a cancellable stream of change signals for one chat.
type Subscription struct {
	// C fires once per change notice. Signals are coalesced: a burst of
	// changes while the viewer is busy collapses into one pending signal.
	C      <-chan struct{}
	cancel context.CancelFunc
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

func channelName(chatID string) string {
	return "chat:" + chatID + ":messages"
}

// RedisFeed implements Feed on Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
}

func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) MessagesChanged(ctx context.Context, chatID string) error {
	if err := f.client.Publish(ctx, channelName(chatID), "changed").Err(); err != nil {
		return fmt.Errorf("publish chat change: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(subCtx, channelName(chatID))

	// Force the SUBSCRIBE round trip so a publish immediately after
	// Subscribe returns is not lost.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe chat %s: %w", chatID, err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case signals <- struct{}{}:
				default:
					// A signal is already pending; the viewer will see
					// the latest state on its next read anyway.
				}
			}
		}
	}()

	return &Subscription{C: signals, cancel: cancel}, nil
}

// NopFeed is used when Redis is not configured: publishes are dropped and
// subscriptions never fire, so streaming viewers only get the initial set.
type NopFeed struct{}

func (NopFeed) MessagesChanged(ctx context.Context, chatID string) error {
	log.Printf("feed disabled: dropping change notice for chat %s", chatID)
	return nil
}

func (NopFeed) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	signals := make(chan struct{})
	go func() {
		<-subCtx.Done()
		close(signals)
	}()
	return &Subscription{C: signals, cancel: cancel}, nil
}
