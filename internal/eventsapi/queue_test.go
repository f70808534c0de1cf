package eventsapi

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestQueuesAreFIFOAndBounded(t *testing.T) {
	fileQueue, err := NewFileEnvelopeQueue(filepath.Join(t.TempDir(), "queue.json"), 2)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	queues := map[string]EnvelopeQueue{
		"memory": NewInMemoryEnvelopeQueue(2),
		"file":   fileQueue,
	}
	for name, queue := range queues {
		if !queue.TryEnqueue("a") || !queue.TryEnqueue("b") {
			t.Fatalf("%s: expected enqueue below capacity to succeed", name)
		}
		if queue.TryEnqueue("c") {
			t.Fatalf("%s: expected enqueue at capacity to fail", name)
		}
		if queue.TryEnqueue("") {
			t.Fatalf("%s: expected empty payload to be refused", name)
		}
		if queue.Depth() != 2 || queue.Capacity() != 2 {
			t.Fatalf("%s: expected depth 2 capacity 2, got %d/%d", name, queue.Depth(), queue.Capacity())
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		first, ok1 := queue.Dequeue(ctx)
		second, ok2 := queue.Dequeue(ctx)
		cancel()
		if !ok1 || !ok2 || first != "a" || second != "b" {
			t.Fatalf("%s: expected a then b, got %q(%v) %q(%v)", name, first, ok1, second, ok2)
		}

		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
		if _, ok := queue.Dequeue(ctx); ok {
			t.Fatalf("%s: expected dequeue on empty queue to time out", name)
		}
		cancel()
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.json")
	queue, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	if !queue.TryEnqueue(`{"type":"event_callback","event_id":"Ev1"}`) || !queue.TryEnqueue(`{"type":"event_callback","event_id":"Ev2"}`) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first != `{"type":"event_callback","event_id":"Ev1"}` {
		t.Fatalf("expected first payload Ev1, got %q (ok=%v)", first, ok)
	}
	if reopened.Depth() != 1 {
		t.Fatalf("expected one payload left, got %d", reopened.Depth())
	}
}

func TestFileQueueTrimsOldestOnSmallerCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`{"items":["a","b","c"]}`), 0o644); err != nil {
		t.Fatalf("seed queue file: %v", err)
	}
	queue, err := NewFileEnvelopeQueue(path, 2)
	if err != nil {
		t.Fatalf("open file queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, _ := queue.Dequeue(ctx)
	if first != "b" {
		t.Fatalf("expected oldest entry to be dropped, got first=%q", first)
	}
}

func TestFileQueueEnqueueWaitsForRoom(t *testing.T) {
	queue, err := NewFileEnvelopeQueue(filepath.Join(t.TempDir(), "queue.json"), 1)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	if !queue.TryEnqueue("a") {
		t.Fatalf("expected first enqueue to succeed")
	}
	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- queue.Enqueue(ctx, "b")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, ok := queue.Dequeue(ctx); !ok || got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
	if !<-done {
		t.Fatalf("expected blocked enqueue to succeed once room appeared")
	}
	if got, ok := queue.Dequeue(ctx); !ok || got != "b" {
		t.Fatalf("expected b, got %q", got)
	}
}

func TestNewFileQueueRejectsEmptyPath(t *testing.T) {
	if _, err := NewFileEnvelopeQueue("  ", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestBuildEnvelopeQueueFromDSN(t *testing.T) {
	queue, err := BuildEnvelopeQueueFromDSN("", 3)
	if err != nil || queue != nil {
		t.Fatalf("expected nil queue for empty dsn, got %v, %v", queue, err)
	}

	queue, err = BuildEnvelopeQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", queue.Capacity())
	}

	path := filepath.Join(t.TempDir(), "envelopes.json")
	queue, err = BuildEnvelopeQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue: %v", err)
	}
	if _, ok := queue.(*fileEnvelopeQueue); !ok || queue.Capacity() != 9 {
		t.Fatalf("expected file queue with capacity 9, got %T cap %d", queue, queue.Capacity())
	}

	queue, err = BuildEnvelopeQueueFromDSN(filepath.Join(t.TempDir(), "bare.json"), 0)
	if err != nil {
		t.Fatalf("build bare path queue: %v", err)
	}
	if queue.Capacity() != defaultQueueCapacity {
		t.Fatalf("expected default capacity, got %d", queue.Capacity())
	}

	queue, err = BuildEnvelopeQueueFromDSN("postgres://relay@localhost/relay?sslmode=disable", 5)
	if err != nil {
		t.Fatalf("build postgres queue: %v", err)
	}
	if _, ok := queue.(*PostgresEnvelopeQueue); !ok {
		t.Fatalf("expected postgres queue, got %T", queue)
	}
}

func TestBuildEnvelopeQueueFromDSNRejectsUnknownSchemes(t *testing.T) {
	if _, err := BuildEnvelopeQueueFromDSN("redis://localhost:6379/0", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := BuildEnvelopeQueueFromDSN("gopher://queue", 10); err == nil || errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestRegisteredFactoryOverridesBuiltins(t *testing.T) {
	var gotDSN string
	RegisterEnvelopeQueueFactory(" Custom ", func(dsn string, capacity int) (EnvelopeQueue, error) {
		gotDSN = dsn
		return NewInMemoryEnvelopeQueue(capacity), nil
	})
	queue, err := BuildEnvelopeQueueFromDSN("custom://bucket", 4)
	if err != nil {
		t.Fatalf("build custom queue: %v", err)
	}
	if gotDSN != "custom://bucket" || queue.Capacity() != 4 {
		t.Fatalf("expected registered factory to build the queue, got dsn %q cap %d", gotDSN, queue.Capacity())
	}
}

func TestDSNPath(t *testing.T) {
	cases := map[string]string{
		"file:///var/lib/relay/q.json": "/var/lib/relay/q.json",
		"file:relative.json":           "relative.json",
		"./queue.json":                 "./queue.json",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil || got != want {
			t.Fatalf("dsnPath(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	parsed, _ := url.Parse("file://")
	if _, err := dsnPath(parsed, "file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty file dsn, got %v", err)
	}
}
