package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xsaga"
)

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":       "redis:6380",
		"username":   "app",
		"password":   "secret",
		"db":         2,
		"tls":        true,
		"key_prefix": "orders",
	})
	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, "app", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2, cfg.DB)
	assert.True(t, cfg.TLS)
	assert.Equal(t, "orders", cfg.KeyPrefix)

	defaults := ConfigFromMap(nil)
	assert.Equal(t, "127.0.0.1:6379", defaults.Addr)
	assert.Equal(t, "xsaga", defaults.KeyPrefix)
	assert.False(t, defaults.TLS)
}

func TestKeyLayout(t *testing.T) {
	s := NewWithClient(redis.NewClient(&redis.Options{}), "orders")
	assert.Equal(t, "orders:state:order:s-1", s.stateKey("order", "s-1"))
	assert.Equal(t, "orders:corr:order:ord-1", s.corrKey("order", "ord-1"))
	assert.Equal(t, "orders:corr:order:", s.corrPrefix("order"))

	// empty prefix falls back
	s = NewWithClient(redis.NewClient(&redis.Options{}), "")
	assert.Equal(t, "xsaga:state:order:s-1", s.stateKey("order", "s-1"))
}

func TestDecodeState(t *testing.T) {
	now := time.Now()
	vals := map[string]string{
		fieldID:            "s-1",
		fieldName:          "order",
		fieldCorrelationID: "ord-1",
		fieldVersion:       "3",
		fieldCompleted:     "1",
		fieldData:          `{"status":"paid"}`,
		fieldCreatedAt:     fmt.Sprint(now.UnixNano()),
		fieldUpdatedAt:     fmt.Sprint(now.UnixNano()),
	}

	st, err := decodeState(vals)
	require.NoError(t, err)
	assert.Equal(t, "s-1", st.ID)
	assert.Equal(t, int64(3), st.Version)
	assert.True(t, st.Completed)
	assert.JSONEq(t, `{"status":"paid"}`, string(st.Data))
	assert.True(t, st.CreatedAt.Equal(time.Unix(0, now.UnixNano())))

	vals[fieldVersion] = "not-a-number"
	_, err = decodeState(vals)
	require.Error(t, err)
}

func TestBoolField(t *testing.T) {
	assert.Equal(t, "1", boolField(true))
	assert.Equal(t, "0", boolField(false))
}

// redisClient returns a connected client or skips when Redis is unavailable.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func testState(id, corrID string, version int64) *xsaga.State {
	now := time.Now().UTC()
	return &xsaga.State{
		ID:            id,
		Name:          "order",
		CorrelationID: corrID,
		Version:       version,
		Data:          []byte(`{"status":"pending"}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStore_Contract(t *testing.T) {
	client := redisClient(t)
	prefix := fmt.Sprintf("xsaga-test-%d", time.Now().UnixNano())
	s := NewWithClient(client, prefix)
	defer func() { _ = s.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testState("s-1", "ord-1", 1)))
	t.Cleanup(func() { _ = s.Delete(context.Background(), "order", "s-1") })

	t.Run("read back by id and correlation", func(t *testing.T) {
		byID, err := s.GetByID(ctx, "order", "s-1")
		require.NoError(t, err)
		assert.Equal(t, "ord-1", byID.CorrelationID)
		assert.Equal(t, int64(1), byID.Version)

		byCorr, err := s.GetByCorrelationID(ctx, "order", "ord-1")
		require.NoError(t, err)
		assert.Equal(t, "s-1", byCorr.ID)
	})

	t.Run("duplicate insert rejected", func(t *testing.T) {
		var dup *xsaga.DuplicateError
		require.ErrorAs(t, s.Insert(ctx, testState("s-1", "ord-other", 1)), &dup)
		require.ErrorAs(t, s.Insert(ctx, testState("s-other", "ord-1", 1)), &dup)
	})

	t.Run("conditional update", func(t *testing.T) {
		next := testState("s-1", "ord-1", 2)
		next.Data = []byte(`{"status":"paid"}`)
		require.NoError(t, s.Update(ctx, next, 1))

		var conflict *xsaga.ConcurrencyError
		stale := testState("s-1", "ord-1", 2)
		require.ErrorAs(t, s.Update(ctx, stale, 1), &conflict)
		assert.Equal(t, int64(2), conflict.Actual)

		got, err := s.GetByID(ctx, "order", "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.JSONEq(t, `{"status":"paid"}`, string(got.Data))
	})

	t.Run("update missing instance", func(t *testing.T) {
		ghost := testState("ghost", "ord-ghost", 2)
		assert.ErrorIs(t, s.Update(ctx, ghost, 1), xsaga.ErrNotFound)
	})

	t.Run("delete frees the correlation key", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "order", "s-1"))
		_, err := s.GetByID(ctx, "order", "s-1")
		assert.ErrorIs(t, err, xsaga.ErrNotFound)
		_, err = s.GetByCorrelationID(ctx, "order", "ord-1")
		assert.ErrorIs(t, err, xsaga.ErrNotFound)
	})
}
