// Package documents holds the DocumentStore adapters.
package documents

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

type Method string

const (
	MethodPut         Method = "PutDocument"
	MethodDeleteWhere Method = "DeleteWhere"
	MethodDelete      Method = "DeleteDocument"
)

// Call records one invocation with the collection it touched. ID is the
// document id, or the filter value for DeleteWhere.
type Call struct {
	Method     Method
	Collection string
	ID         string
}

type failureKey struct {
	method     Method
	collection string
}

// Memory is an in-process document store for local runs and tests, with call
// recording and queued failures per method and collection.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	calls       []Call
	failures    map[failureKey][]error
	lost        map[failureKey]int
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		failures:    make(map[failureKey][]error),
		lost:        make(map[failureKey]int),
	}
}

// FailNext makes the next calls of method on collection return errs in order.
func (m *Memory) FailNext(method Method, collection string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := failureKey{method, collection}
	m.failures[key] = append(m.failures[key], errs...)
}

// LoseNextResponse applies the next n calls of method on collection and then
// reports them as unavailable.
func (m *Memory) LoseNextResponse(method Method, collection string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[failureKey{method, collection}] += n
}

// Seed stores a document directly.
func (m *Memory) Seed(collection, id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, fields)
}

func (m *Memory) Get(collection, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(doc), true
}

// Count returns how many documents in collection have field equal to value.
func (m *Memory) Count(collection, field, value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.collections[collection] {
		if doc[field] == value {
			n++
		}
	}
	return n
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *Memory) CallCount(method Method, collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method && c.Collection == collection {
			n++
		}
	}
	return n
}

func (m *Memory) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := failureKey{MethodPut, collection}
	if err := m.begin(ctx, key, id); err != nil {
		return err
	}
	m.put(collection, id, fields)
	if m.consumeLost(key) {
		return fmt.Errorf("put %s/%s response lost: %w", collection, id, sentinel.ErrUnavailable)
	}
	return nil
}

func (m *Memory) DeleteWhere(ctx context.Context, collection string, filter ports.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := failureKey{MethodDeleteWhere, collection}
	if err := m.begin(ctx, key, filter.Value); err != nil {
		return 0, err
	}
	deleted := 0
	for id, doc := range m.collections[collection] {
		if doc[filter.Field] == filter.Value {
			delete(m.collections[collection], id)
			deleted++
		}
	}
	if m.consumeLost(key) {
		return 0, fmt.Errorf("delete %s response lost: %w", collection, sentinel.ErrUnavailable)
	}
	return deleted, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := failureKey{MethodDelete, collection}
	if err := m.begin(ctx, key, id); err != nil {
		return err
	}
	if _, ok := m.collections[collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	delete(m.collections[collection], id)
	if m.consumeLost(key) {
		return fmt.Errorf("delete %s/%s response lost: %w", collection, id, sentinel.ErrUnavailable)
	}
	return nil
}

func (m *Memory) put(collection, id string, fields map[string]any) {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]any)
	}
	m.collections[collection][id] = maps.Clone(fields)
}

// begin records the call and pops a queued failure. Callers hold m.mu.
func (m *Memory) begin(ctx context.Context, key failureKey, id string) error {
	m.calls = append(m.calls, Call{Method: key.method, Collection: key.collection, ID: id})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %s: %w", key.method, key.collection, sentinel.ErrUnavailable)
	}
	if queued := m.failures[key]; len(queued) > 0 {
		m.failures[key] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) consumeLost(key failureKey) bool {
	if m.lost[key] == 0 {
		return false
	}
	m.lost[key]--
	return true
}
