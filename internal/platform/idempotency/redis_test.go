package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStoreLifecycle(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	key := scopedKey("retry-1", "user-1")

	res, err := store.Reserve(ctx, key, "fp-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
	assert.True(t, mr.Exists(redisKeyPrefix+recordID(key)))
	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+recordID(key)))

	res, err = store.Reserve(ctx, key, "fp-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, res.State)

	_, err = store.Reserve(ctx, key, "fp-2", now, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	err = store.SaveResponse(ctx, key, "fp-2", Response{Status: http.StatusCreated}, now, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Cloud-Trace-Context", "abc/1;o=1")
	err = store.SaveResponse(ctx, key, "fp-1", Response{
		Status:  http.StatusCreated,
		Headers: headers,
		Body:    []byte(`{"success":true}`),
	}, now.Add(time.Second), time.Hour)
	require.NoError(t, err)

	res, err = store.Reserve(ctx, key, "fp-1", now.Add(2*time.Second), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, res.State)
	assert.Equal(t, http.StatusCreated, res.Record.ResponseStatus)
	assert.Equal(t, `{"success":true}`, string(res.Record.ResponseBody))
	assert.Equal(t, []string{"application/json"}, res.Record.ResponseHeaders["Content-Type"])
	assert.NotContains(t, res.Record.ResponseHeaders, "X-Cloud-Trace-Context")

	removed, err := store.CleanupExpired(ctx, now.Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisStoreReleaseAndExpiry(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	key := scopedKey("retry-2", "anonymous")

	_, err := store.Reserve(ctx, key, "fp-1", now, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, key, "fp-other"))
	assert.True(t, mr.Exists(redisKeyPrefix+recordID(key)))

	require.NoError(t, store.Release(ctx, key, "fp-1"))
	assert.False(t, mr.Exists(redisKeyPrefix+recordID(key)))

	require.NoError(t, store.Release(ctx, key, "fp-1"))

	_, err = store.Reserve(ctx, key, "fp-1", now, time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	res, err := store.Reserve(ctx, key, "fp-2", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
	assert.Equal(t, "fp-2", res.Record.Fingerprint)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	assert.Error(t, err)
}
