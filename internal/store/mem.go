package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// NewMem returns a Store backed by process memory. Revisions are
// monotonic counters and writes go through the same conflict-retry loop
// as the CouchDB store. Intended for tests.
func NewMem() Store {
	return &retryStore{b: &memBackend{docs: map[string]memDoc{}}}
}

type memDoc struct {
	rev  int
	body json.RawMessage
}

type memBackend struct {
	mu   sync.Mutex
	docs map[string]memDoc
}

func (m *memBackend) get(ctx context.Context, key string, dest Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(doc.body, dest); err != nil {
		return err
	}
	dest.SetDocRev(strconv.Itoa(doc.rev))

	return nil
}

func (m *memBackend) put(ctx context.Context, key string, doc Doc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.docs[key]

	switch {
	case !exists && doc.DocRev() != "":
		return "", fmt.Errorf("%w: %s", errConflict, key)
	case exists && doc.DocRev() != strconv.Itoa(current.rev):
		return "", fmt.Errorf("%w: %s", errConflict, key)
	}

	var body json.RawMessage
	if err := roundTrip(doc, &body); err != nil {
		return "", err
	}

	next := current.rev + 1
	m.docs[key] = memDoc{rev: next, body: body}

	return strconv.Itoa(next), nil
}

func (m *memBackend) rev(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return strconv.Itoa(doc.rev), nil
}

func (m *memBackend) delete(ctx context.Context, key, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if rev != strconv.Itoa(doc.rev) {
		return fmt.Errorf("%w: %s", errConflict, key)
	}
	delete(m.docs, key)

	return nil
}

func (m *memBackend) walk(ctx context.Context, prefix string, fn func(key string) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.docs))
	for key := range m.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}

	return nil
}
