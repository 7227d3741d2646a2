package core

import (
	"context"
	"time"
)

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the counter for key and reports
	// whether it is still within limit for the current window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult is the outcome of one rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// IdempotencyStatus is the lifecycle state of an idempotency key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is the stored state of one key.
type IdempotencyRecord struct {
	Status       IdempotencyStatus `json:"status"`
	Path         string            `json:"path"`
	ResponseCode int               `json:"response_code,omitempty"`
	ResponseBody []byte            `json:"response_body,omitempty"`
}

// IdempotencyStore tracks POST requests by (scope, key). scope is the tenant.
type IdempotencyStore interface {
	// Get returns the record, or nil when the key is unknown.
	Get(ctx context.Context, key, scope string) (*IdempotencyRecord, error)
	// Create marks the key as processing. It returns ErrIdempotencyKeyTaken
	// when another request holds the key.
	Create(ctx context.Context, key, scope, path string) error
	Complete(ctx context.Context, key, scope string, code int, body []byte) error
	Fail(ctx context.Context, key, scope string) error
}
