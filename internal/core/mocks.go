package core

import (
	"context"
	"sync"
	"time"
)

// MockRateLimitStore returns a fixed result and records every call.
type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	mu    sync.Mutex
	Calls []RateLimitCall
}

// RateLimitCall records one IncrementAndCheck invocation.
type RateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (m *MockRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RateLimitCall{Key: key, Limit: limit, Window: window})
	return m.Result, m.Err
}

// MemoryIdempotencyStore is an in-process IdempotencyStore for tests and
// single-node development.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]IdempotencyRecord
}

// NewMemoryIdempotencyStore returns an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: map[string]IdempotencyRecord{}}
}

func (m *MemoryIdempotencyStore) Get(_ context.Context, key, scope string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[scope+":"+key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryIdempotencyStore) Create(_ context.Context, key, scope, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[scope+":"+key]; ok {
		return ErrIdempotencyKeyTaken
	}
	m.records[scope+":"+key] = IdempotencyRecord{Status: IdempotencyStatusProcessing, Path: path}
	return nil
}

func (m *MemoryIdempotencyStore) Complete(_ context.Context, key, scope string, code int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[scope+":"+key]
	rec.Status, rec.ResponseCode, rec.ResponseBody = IdempotencyStatusCompleted, code, append([]byte(nil), body...)
	m.records[scope+":"+key] = rec
	return nil
}

func (m *MemoryIdempotencyStore) Fail(_ context.Context, key, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, scope+":"+key)
	return nil
}

// MockMetrics records observed requests.
type MockMetrics struct {
	mu       sync.Mutex
	Requests []ObservedRequest
}

// ObservedRequest is one ObserveRequest call.
type ObservedRequest struct {
	Method string
	Route  string
	Status int
}

func (m *MockMetrics) ObserveRequest(method, route string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, ObservedRequest{Method: method, Route: route, Status: status})
}

var (
	_ RateLimitStore   = (*MockRateLimitStore)(nil)
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ MetricsCollector = (*MockMetrics)(nil)
)
