package events

import (
	"context"
	"sync"
)

// NoopPublisher is a Publisher that does nothing (used when NATS is not configured).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Topic string
	Event any
}

func (r *Recorder) Publish(_ context.Context, topic string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Topic: topic, Event: event})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }

// Topics lists recorded topics in publish order.
func (r *Recorder) Topics() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Topic)
	}
	return out
}
