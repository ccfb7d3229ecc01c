package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsaga"
)

const StoreName = "redis"

func init() {
	if err := xsaga.RegisterStore(StoreName, func(cfg map[string]any) (xsaga.Store, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xsaga: failed to register store %q: %w", StoreName, err))
	}
}

// Hash field constants (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldName          = "name"
	fieldCorrelationID = "correlation_id"
	fieldVersion       = "version"
	fieldCompleted     = "completed"
	fieldData          = "data"
	fieldCreatedAt     = "created_at" // int64 ns
	fieldUpdatedAt     = "updated_at" // int64 ns
)

// Config for the Redis saga store.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// KeyPrefix namespaces all keys (default "xsaga").
	KeyPrefix string
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		Addr:          getString("addr", "127.0.0.1:6379"),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),
		KeyPrefix:     getString("key_prefix", "xsaga"),
	}
}

// insertScript atomically claims both uniqueness constraints and writes the
// state hash. Returns 1 on success, 0 when either (name,id) or
// (name,correlationID) is taken.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'name', ARGV[2], 'correlation_id', ARGV[3],
  'version', ARGV[4], 'completed', ARGV[5], 'data', ARGV[6],
  'created_at', ARGV[7], 'updated_at', ARGV[8])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// updateScript is the conditional write arbitrating conflicting writers:
// the stored version must equal the expected one. Returns -1 when the hash
// is missing, the current version on mismatch, and -2 on success.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local current = tonumber(redis.call('HGET', KEYS[1], 'version'))
if current ~= tonumber(ARGV[1]) then return current end
redis.call('HSET', KEYS[1],
  'version', ARGV[2], 'completed', ARGV[3], 'data', ARGV[4],
  'updated_at', ARGV[5])
return -2
`)

// deleteScript removes the hash and its correlation index together.
var deleteScript = redis.NewScript(`
local corr = redis.call('HGET', KEYS[1], 'correlation_id')
redis.call('DEL', KEYS[1])
if corr then
  redis.call('DEL', KEYS[2] .. corr)
end
return 1
`)

// Store persists saga state in Redis: one hash per instance plus a string
// key indexing the live correlation id. Both uniqueness constraints and the
// version compare-and-set run server-side in Lua, so Redis is the
// serialization point for conflicting writers.
type Store struct {
	cfg    Config
	client *redis.Client
}

var _ xsaga.Store = (*Store)(nil)

// New connects and pings the Redis backend.
func New(cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "xsaga"
	}
	return &Store{cfg: cfg, client: client}, nil
}

// NewWithClient wraps an existing client (tests, shared pools).
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "xsaga"
	}
	return &Store{cfg: Config{KeyPrefix: keyPrefix}, client: client}
}

func (s *Store) stateKey(name, id string) string {
	return s.cfg.KeyPrefix + ":state:" + name + ":" + id
}

func (s *Store) corrKey(name, correlationID string) string {
	return s.corrPrefix(name) + correlationID
}

func (s *Store) corrPrefix(name string) string {
	return s.cfg.KeyPrefix + ":corr:" + name + ":"
}

func (s *Store) GetByID(ctx context.Context, name, id string) (*xsaga.State, error) {
	vals, err := s.client.HGetAll(ctx, s.stateKey(name, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, xsaga.ErrNotFound
	}
	return decodeState(vals)
}

func (s *Store) GetByCorrelationID(ctx context.Context, name, correlationID string) (*xsaga.State, error) {
	id, err := s.client.Get(ctx, s.corrKey(name, correlationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, xsaga.ErrNotFound
		}
		return nil, err
	}
	return s.GetByID(ctx, name, id)
}

func (s *Store) Insert(ctx context.Context, state *xsaga.State) error {
	keys := []string{
		s.stateKey(state.Name, state.ID),
		s.corrKey(state.Name, state.CorrelationID),
	}
	res, err := insertScript.Run(ctx, s.client, keys,
		state.ID,
		state.Name,
		state.CorrelationID,
		state.Version,
		boolField(state.Completed),
		state.Data,
		state.CreatedAt.UnixNano(),
		state.UpdatedAt.UnixNano(),
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return &xsaga.DuplicateError{
			SagaName:      state.Name,
			SagaID:        state.ID,
			CorrelationID: state.CorrelationID,
		}
	}
	return nil
}

func (s *Store) Update(ctx context.Context, state *xsaga.State, expectedVersion int64) error {
	if state.Version != expectedVersion+1 {
		return &xsaga.ConcurrencyError{
			SagaName: state.Name,
			SagaID:   state.ID,
			Expected: expectedVersion,
			Actual:   state.Version - 1,
		}
	}
	keys := []string{s.stateKey(state.Name, state.ID)}
	res, err := updateScript.Run(ctx, s.client, keys,
		expectedVersion,
		state.Version,
		boolField(state.Completed),
		state.Data,
		state.UpdatedAt.UnixNano(),
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -2:
		return nil
	case -1:
		return xsaga.ErrNotFound
	default:
		return &xsaga.ConcurrencyError{
			SagaName: state.Name,
			SagaID:   state.ID,
			Expected: expectedVersion,
			Actual:   res,
		}
	}
}

func (s *Store) Delete(ctx context.Context, name, id string) error {
	keys := []string{s.stateKey(name, id), s.corrPrefix(name)}
	return deleteScript.Run(ctx, s.client, keys).Err()
}

func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}

func decodeState(vals map[string]string) (*xsaga.State, error) {
	version, err := strconv.ParseInt(vals[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redisstore: malformed version: %w", err)
	}
	st := &xsaga.State{
		ID:            vals[fieldID],
		Name:          vals[fieldName],
		CorrelationID: vals[fieldCorrelationID],
		Version:       version,
		Completed:     vals[fieldCompleted] == "1",
		Data:          []byte(vals[fieldData]),
	}
	if ns, err := strconv.ParseInt(vals[fieldCreatedAt], 10, 64); err == nil && ns > 0 {
		st.CreatedAt = time.Unix(0, ns)
	}
	if ns, err := strconv.ParseInt(vals[fieldUpdatedAt], 10, 64); err == nil && ns > 0 {
		st.UpdatedAt = time.Unix(0, ns)
	}
	return st, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
