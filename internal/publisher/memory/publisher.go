// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher records published payloads so tests can assert on completion
// events without a Pub/Sub emulator.
type Publisher struct {
	mu      sync.RWMutex
	nextSeq int
	records []PublishedMessage
}

// New returns an empty recording Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSeq++
	p.records = append(p.records, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", p.nextSeq), nil
}

// Messages returns a copy of the recorded publishes in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.records))
	copy(out, p.records)
	return out
}

// Reset discards recorded publishes; the ID sequence keeps counting.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = nil
}
