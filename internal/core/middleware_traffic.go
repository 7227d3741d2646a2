package core

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"panelhub/internal/types"
)

const rateLimitWindow = time.Minute

const (
	errCodeRateLimited            = "rate_limit_exceeded"
	errCodeIdempotencyConflict    = "conflict_idempotency_in_progress"
	errCodeIdempotencyPathChanged = "conflict_idempotency_key_reused"
)

// ErrIdempotencyKeyTaken is returned by IdempotencyStore.Create when the
// key is already held.
var ErrIdempotencyKeyTaken = errors.New("idempotency key already in use")

// TenantRateLimit throttles /v1 per tenant.
func (s *Server) TenantRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := types.GetPrincipal(r.Context())
		if !ok || s.Config == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "tenant:" + strconv.FormatInt(p.TenantID, 10)
		s.rateLimit(w, r, next, key, s.Config.Security.TenantRateLimit)
	})
}

// ClientRateLimit throttles public routes per client IP.
func (s *Server) ClientRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.rateLimit(w, r, next, "ip:"+extractClientIP(r), s.Config.Security.SubRateLimit)
	})
}

// rateLimit fails open: a store outage must not block traffic.
func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request, next http.Handler, key string, limit int) {
	if s.RateLimitStore == nil || limit <= 0 {
		next.ServeHTTP(w, r)
		return
	}
	result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, rateLimitWindow)
	if err != nil {
		s.Logger.Error("rate limit store error", slog.String("key", key), slog.String("error", err.Error()))
		next.ServeHTTP(w, r)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	if !result.Allowed {
		s.Logger.Warn("rate limit exceeded", slog.String("key", key), slog.String("route", routeFor(r)))
		retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		JSON(w, r, http.StatusTooManyRequests, APIErrorResponse{
			Error: ErrorDetail{
				Code:      errCodeRateLimited,
				Message:   "rate limit exceeded, retry after the reset time",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}
	next.ServeHTTP(w, r)
}

// ResponseCapturer buffers a response so it can be stored before it is
// sent.
type ResponseCapturer struct {
	underlying http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	headers    http.Header
	written    bool
}

func newResponseCapturer(w http.ResponseWriter) *ResponseCapturer {
	return &ResponseCapturer{underlying: w, statusCode: http.StatusOK, headers: make(http.Header)}
}

func (rc *ResponseCapturer) Header() http.Header { return rc.headers }

func (rc *ResponseCapturer) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
}

func (rc *ResponseCapturer) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.body.Write(b)
}

// Flush writes the buffered response. Call it exactly once.
func (rc *ResponseCapturer) Flush() {
	for key, values := range rc.headers {
		for _, v := range values {
			rc.underlying.Header().Add(key, v)
		}
	}
	rc.underlying.WriteHeader(rc.statusCode)
	_, _ = rc.underlying.Write(rc.body.Bytes())
}

func (rc *ResponseCapturer) Unwrap() http.ResponseWriter { return rc.underlying }

func (rc *ResponseCapturer) StatusCode() int { return rc.statusCode }

func (rc *ResponseCapturer) Body() []byte { return rc.body.Bytes() }

// IdempotencyMiddleware runs a POST carrying an Idempotency-Key at most once
// per tenant. Completed responses (2xx-4xx) are replayed; 5xx responses
// release the key for a retry. A charge-bearing operation retried by the
// gateway therefore never charges twice.
func (s *Server) IdempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if s.IdempotencyStore == nil || r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := types.GetPrincipal(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		scope := strconv.FormatInt(p.TenantID, 10)
		log := s.Logger.With(slog.String("idempotency_key", key), slog.String("tenant_id", scope))

		record, err := s.IdempotencyStore.Get(ctx, key, scope)
		if err != nil {
			log.Error("idempotency store get error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		if record != nil {
			if record.Path != r.URL.Path {
				s.idempotencyConflict(w, r, errCodeIdempotencyPathChanged, "idempotency key was used for a different request")
				return
			}
			switch record.Status {
			case IdempotencyStatusCompleted:
				log.Info("idempotency key hit, replaying response", slog.Int("cached_status", record.ResponseCode))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replayed", "true")
				w.WriteHeader(record.ResponseCode)
				_, _ = w.Write(record.ResponseBody)
				return
			case IdempotencyStatusProcessing:
				s.idempotencyConflict(w, r, errCodeIdempotencyConflict, "a request with this idempotency key is in progress")
				return
			}
		}

		if err := s.IdempotencyStore.Create(ctx, key, scope, r.URL.Path); err != nil {
			if errors.Is(err, ErrIdempotencyKeyTaken) {
				s.idempotencyConflict(w, r, errCodeIdempotencyConflict, "a request with this idempotency key is in progress")
				return
			}
			log.Error("idempotency store create error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		capturer := newResponseCapturer(w)
		next.ServeHTTP(capturer, r)

		if code := capturer.StatusCode(); code < 500 {
			if err := s.IdempotencyStore.Complete(ctx, key, scope, code, capturer.Body()); err != nil {
				log.Error("idempotency store complete error", slog.String("error", err.Error()))
			}
		} else if err := s.IdempotencyStore.Fail(ctx, key, scope); err != nil {
			log.Error("idempotency store fail error", slog.String("error", err.Error()))
		}
		capturer.Flush()
	})
}

func (s *Server) idempotencyConflict(w http.ResponseWriter, r *http.Request, code, message string) {
	JSON(w, r, http.StatusConflict, APIErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, RequestID: types.GetRequestID(r.Context())},
	})
}
