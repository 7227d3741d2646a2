package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	goredis "github.com/redis/go-redis/v9"
)

// ValidationResult is the outcome of checking one operator input.
type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Message: fmt.Sprintf(format, args...)}
}

// DatabaseConnector opens and closes one connection to prove a DSN works.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// RedisPinger proves a Redis URL works.
type RedisPinger interface {
	Ping(ctx context.Context, url string) error
}

// PgxConnector is the production DatabaseConnector.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// GoRedisPinger is the production RedisPinger.
type GoRedisPinger struct{}

func (GoRedisPinger) Ping(ctx context.Context, rawURL string) error {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return err
	}
	client := goredis.NewClient(opts)
	defer client.Close()
	return client.Ping(ctx).Err()
}

// Validator checks operator input, reaching out to the real backends.
type Validator struct {
	db    DatabaseConnector
	redis RedisPinger
}

// NewValidator uses pgx and go-redis.
func NewValidator() *Validator {
	return NewValidatorWithDeps(PgxConnector{}, GoRedisPinger{})
}

func NewValidatorWithDeps(db DatabaseConnector, redis RedisPinger) *Validator {
	return &Validator{db: db, redis: redis}
}

const validateTimeout = 15 * time.Second

// ValidateDatabaseURL requires a postgres:// DSN that accepts a connection.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, raw string) ValidationResult {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return invalid("expected postgres:// or postgresql:// scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("database URL has no host")
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.db.Connect(ctx, raw); err != nil {
		return invalid("connection to %s failed: %v", u.Host, err)
	}
	return ValidationResult{Valid: true, Message: "connected to " + u.Host}
}

// ValidateRedisURL requires a redis:// or rediss:// URL that answers PING.
func (v *Validator) ValidateRedisURL(ctx context.Context, raw string) ValidationResult {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return invalid("expected redis:// or rediss:// scheme, got %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.redis.Ping(ctx, raw); err != nil {
		return invalid("PING %s failed: %v", u.Host, err)
	}
	return ValidationResult{Valid: true, Message: "PONG from " + u.Host}
}

// ValidatePublicURL requires an absolute http(s) origin without a path.
func (v *Validator) ValidatePublicURL(_ context.Context, raw string) ValidationResult {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return invalid("expected an http(s) URL, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("public URL has no host")
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return invalid("public URL must be an origin, found path %q", u.Path)
	}
	return ValidationResult{Valid: true, Message: "origin " + u.Scheme + "://" + u.Host}
}
