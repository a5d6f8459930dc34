// Package idempotency lets clients retry order submission safely: a repeated request
// carrying the same Idempotency-Key replays the first response instead of placing a
// second order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is how long a completed response stays replayable.
	DefaultTTL = 24 * time.Hour
	// StatusPending marks a key whose first request is still running.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response is stored for replay.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve an idempotency key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// Reservation is the result of Reserve, with the stored record when one exists.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is a persisted key. Key is the client key scoped to the requester.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the handler output captured for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses. Implementations must make Reserve atomic
// so two concurrent submissions with one key cannot both see ReservationStateNew.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request body.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// recordID hashes the scoped key so client input never reaches a primary key column
// verbatim. The fingerprint is not part of the id; a reused key with a different body
// must land on the original record.
func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

// resolveExisting maps a live record to the reservation a repeat attempt receives.
func resolveExisting(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitizeHeaders keeps the headers worth replaying. Hop-by-hop headers and
// per-request tracing headers are dropped; the replayed response gets fresh ones.
func sanitizeHeaders(header http.Header) map[string][]string {
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if omittedHeaders[canonical] {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

var omittedHeaders = map[string]bool{
	"Content-Length":        true,
	"Date":                  true,
	"Connection":            true,
	"Keep-Alive":            true,
	"Proxy-Authenticate":    true,
	"Proxy-Authorization":   true,
	"Te":                    true,
	"Trailer":               true,
	"Transfer-Encoding":     true,
	"Upgrade":               true,
	"Traceparent":           true,
	"Tracestate":            true,
	"X-Cloud-Trace-Context": true,
	"X-Request-Id":          true,
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
