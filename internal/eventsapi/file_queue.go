package eventsapi

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileEnvelopeQueue keeps the whole queue in one JSON file, rewritten
// through a temp file and rename on every change.
type fileEnvelopeQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []string
}

type fileQueueState struct {
	Items []string `json:"items"`
}

func NewFileEnvelopeQueue(path string, capacity int) (EnvelopeQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileEnvelopeQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []string{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEnvelopeQueue) TryEnqueue(payload string) bool {
	if strings.TrimSpace(payload) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, payload)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEnvelopeQueue) Enqueue(ctx context.Context, payload string) bool {
	for {
		if q.TryEnqueue(payload) {
			return true
		}
		if !q.wait(ctx) {
			return false
		}
	}
}

func (q *fileEnvelopeQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		if payload, ok := q.tryDequeue(); ok {
			return payload, true
		}
		if !q.wait(ctx) {
			return "", false
		}
	}
}

func (q *fileEnvelopeQueue) tryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]string{item}, q.items...)
		return "", false
	}
	return item, true
}

func (q *fileEnvelopeQueue) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(q.pollInterval):
		return true
	}
}

func (q *fileEnvelopeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEnvelopeQueue) Capacity() int {
	return q.capacity
}

func (q *fileEnvelopeQueue) Close() error {
	return nil
}

// load drops the oldest entries when the file holds more than capacity.
func (q *fileEnvelopeQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]string(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]string(nil), snapshot.Items...)
	return nil
}

func (q *fileEnvelopeQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
