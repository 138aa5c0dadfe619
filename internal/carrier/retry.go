package carrier

import (
    "context"
    "errors"
    "net"
    "syscall"
    "time"
)

// IsRetryable reports whether an error is worth retrying: network
// timeouts, refused/reset connections, and carrier 5xx responses. Client
// errors (4xx) never retry — the request will not get better.
func IsRetryable(err error) bool {
    if err == nil { return false }
    var apiErr *APIError
    if errors.As(err, &apiErr) {
        return apiErr.Status >= 500 && apiErr.Status < 600
    }
    var netErr net.Error
    if errors.As(err, &netErr) && netErr.Timeout() {
        return true
    }
    if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
        return true
    }
    return false
}

// RetryWithBackoff runs fn up to attempts times with exponential backoff,
// retrying only retryable errors. Callers opt in per call site; nothing
// in the sync path retries implicitly.
func RetryWithBackoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
    if attempts <= 0 { attempts = 1 }
    if base <= 0 { base = time.Second }
    var err error
    for i := 0; i < attempts; i++ {
        if err = fn(); err == nil { return nil }
        if !IsRetryable(err) || i == attempts-1 { return err }
        delay := base << i
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(delay):
        }
    }
    return err
}
