package eventsapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

const defaultQueueCapacity = 1024

// EnvelopeQueue holds encoded envelopes between intake and delivery.
// Enqueue and Dequeue block until they succeed or ctx ends.
type EnvelopeQueue interface {
	TryEnqueue(payload string) bool
	Enqueue(ctx context.Context, payload string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type EnvelopeQueueFactory func(dsn string, capacity int) (EnvelopeQueue, error)

var queueFactories = struct {
	mu        sync.RWMutex
	factories map[string]EnvelopeQueueFactory
}{
	factories: map[string]EnvelopeQueueFactory{},
}

// RegisterEnvelopeQueueFactory makes BuildEnvelopeQueueFromDSN use
// factory for scheme, overriding the built-in backends.
func RegisterEnvelopeQueueFactory(scheme string, factory EnvelopeQueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	queueFactories.mu.Lock()
	defer queueFactories.mu.Unlock()
	queueFactories.factories[scheme] = factory
}

func lookupEnvelopeQueueFactory(scheme string) (EnvelopeQueueFactory, bool) {
	scheme = normalizeScheme(scheme)
	queueFactories.mu.RLock()
	defer queueFactories.mu.RUnlock()
	factory, ok := queueFactories.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildEnvelopeQueueFromDSN returns nil, nil for an empty dsn so callers
// can fall back to an in-memory queue.
func BuildEnvelopeQueueFromDSN(dsn string, capacity int) (EnvelopeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupEnvelopeQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEnvelopeQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryEnvelopeQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEnvelopeQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: envelope queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported envelope queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type inMemoryEnvelopeQueue struct {
	ch chan string
}

func NewInMemoryEnvelopeQueue(capacity int) EnvelopeQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryEnvelopeQueue{ch: make(chan string, capacity)}
}

func (q *inMemoryEnvelopeQueue) TryEnqueue(payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	default:
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Enqueue(ctx context.Context, payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case payload := <-q.ch:
		return payload, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *inMemoryEnvelopeQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEnvelopeQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEnvelopeQueue) Close() error {
	return nil
}
