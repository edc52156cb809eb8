package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutWriter wraps http.ResponseWriter to prevent writes after timeout.
// Once timedOut is set, all writes are discarded to prevent panics and races
// between the handler goroutine and the timeout goroutine.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    atomic.Bool // lock-free fast path for the common case
	wroteHeader bool
}

// Write implements http.ResponseWriter. Discards writes after timeout; holds
// the lock during the real write so it can't race the timeout goroutine.
func (tw *timeoutWriter) Write(b []byte) (int, error) {
	// Fast path: atomic check without lock
	if tw.timedOut.Load() {
		return len(b), nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	// Double-check under lock (timedOut may have changed)
	if tw.timedOut.Load() {
		return len(b), nil
	}

	// Perform I/O while holding lock to prevent race with timeout response
	// This ensures only one goroutine writes to ResponseWriter at a time
	return tw.ResponseWriter.Write(b)
}

// WriteHeader implements http.ResponseWriter. Discards after timeout.
func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

// Header implements http.ResponseWriter. Returns an empty header set once
// timed out, since any modification to it would otherwise race the timeout
// goroutine's own response.
func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	// If timed out, return empty headers (writes will be discarded anyway)
	if tw.timedOut.Load() {
		return make(http.Header)
	}

	// Return the actual headers - caller can modify them safely
	// since we hold the lock through Write/WriteHeader
	return tw.ResponseWriter.Header()
}

// markTimedOut marks the writer as timed out, preventing further writes.
func (tw *timeoutWriter) markTimedOut() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut.Store(true)
}

// Flush implements http.Flusher interface for streaming responses.
// Discards flush after timeout to maintain consistency with other operations.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return
	}

	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// hasWrittenHeader returns true if WriteHeader was called before timeout.
func (tw *timeoutWriter) hasWrittenHeader() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.wroteHeader
}

// Timeout returns middleware that caps a request's wall-clock budget
// (spec.md §4.2's per-request ceiling, ahead of any per-engine timeout the
// Core applies internally). When the deadline passes before the handler
// completes, a 504 Gateway Timeout is sent and the handler's own writes are
// discarded from then on.
//
// The handler goroutine is not canceled when the deadline passes - it keeps
// running until it returns, but nothing it writes after that point reaches
// the client. Handlers extracting through the Core already watch ctx.Done()
// via the fetch/render/wasm call they're blocked on, so this rarely leaves
// orphaned work running for long.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			// Wrap the response writer to safely handle timeout
			tw := &timeoutWriter{ResponseWriter: w}

			// Create a channel to signal completion
			done := make(chan struct{})

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Request completed - check if it was due to timeout
				// If handler exited without writing a response and context timed out,
				// we should still send a 504 response
				if ctx.Err() == context.DeadlineExceeded && !tw.hasWrittenHeader() {
					// Write response first, then mark timed out to discard future writes
					writeErrorResponse(tw, http.StatusGatewayTimeout, codeTimeout, "request timeout", startTime)
					tw.markTimedOut()
				}
			case <-ctx.Done():
				// Timeout occurred - only write timeout response if handler hasn't started
				// writing. Write through tw, not w, so this can't race a late write from
				// the still-running handler goroutine.
				if ctx.Err() == context.DeadlineExceeded && !tw.hasWrittenHeader() {
					writeErrorResponse(tw, http.StatusGatewayTimeout, codeTimeout, "request timeout", startTime)
					tw.markTimedOut()
				} else {
					// Just mark timed out to discard any future handler writes
					tw.markTimedOut()
				}
			}
		})
	}
}
