package presence

import (
	"context"
	"log"
	"time"

	"github.com/huddle/relay/internal/relay"
)

// Publisher is implemented by Store.
type Publisher interface {
	Publish(ctx context.Context, snap relay.Snapshot) error
}

// Run publishes source() every interval until ctx is cancelled. A failed
// publish is logged and retried on the next tick.
func Run(ctx context.Context, pub Publisher, source func() relay.Snapshot, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish(ctx, pub, source)
	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] mirror stopped")
			return
		case <-ticker.C:
			publish(ctx, pub, source)
		}
	}
}

func publish(parent context.Context, pub Publisher, source func() relay.Snapshot) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, source()); err != nil && parent.Err() == nil {
		log.Printf("[presence] %v", err)
	}
}
