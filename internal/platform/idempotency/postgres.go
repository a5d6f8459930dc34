package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pg "github.com/hanko-field/checkout/internal/platform/postgres"
)

// PostgresStore keeps idempotency records in the idempotency_keys table so replays
// survive restarts and are shared across replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: postgres db is required")
	}
	return &PostgresStore{db: db}, nil
}

// Reserve claims the key unless a live record already exists. Expired records are
// taken over in the same statement.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := recordID(key)
	expires := now.Add(ttl)

	var claimed bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (id, scoped_key, fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			scoped_key = EXCLUDED.scoped_key,
			fingerprint = EXCLUDED.fingerprint,
			status = EXCLUDED.status,
			response_status = 0,
			response_headers = NULL,
			response_body = NULL,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING true`,
		id, key, fingerprint, string(StatusPending), now, expires,
	).Scan(&claimed)
	switch {
	case err == nil:
		return Reservation{State: ReservationStateNew, Record: Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   expires,
		}}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Reservation{}, pg.WrapError("idempotency.reserve", err)
	}

	record, err := s.load(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	return resolveExisting(record, fingerprint)
}

// SaveResponse marks the reservation completed and stores the response for replay.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var headers []byte
	if sanitized := sanitizeHeaders(resp.Headers); sanitized != nil {
		encoded, err := json.Marshal(sanitized)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		headers = encoded
	}
	var body []byte
	if len(resp.Body) > 0 {
		body = resp.Body
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (id, scoped_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			response_status = EXCLUDED.response_status,
			response_headers = EXCLUDED.response_headers,
			response_body = EXCLUDED.response_body,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint`,
		recordID(key), key, fingerprint, string(StatusCompleted), resp.Status, nullableJSON(headers), body, now, now.Add(ttl),
	)
	if err != nil {
		return pg.WrapError("idempotency.save_response", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return pg.WrapError("idempotency.save_response", err)
	}
	if affected == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release deletes the reservation so that subsequent attempts may retry.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE id = $1 AND fingerprint = $2`,
		recordID(key), fingerprint,
	)
	return pg.WrapError("idempotency.release", err)
}

// CleanupExpired removes up to limit expired records.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE id IN (
			SELECT id FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
		)`,
		now.UTC(), limit,
	)
	if err != nil {
		return 0, pg.WrapError("idempotency.cleanup", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, pg.WrapError("idempotency.cleanup", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) load(ctx context.Context, id string) (Record, error) {
	var (
		record  Record
		status  string
		headers []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT scoped_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
		FROM idempotency_keys WHERE id = $1`, id,
	).Scan(&record.Key, &record.Fingerprint, &status, &record.ResponseStatus, &headers, &record.ResponseBody,
		&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt)
	if err != nil {
		return Record{}, pg.WrapError("idempotency.load", err)
	}
	record.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.ResponseHeaders); err != nil {
			return Record{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return record, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
