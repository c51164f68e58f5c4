package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

const (
	connKeyPrefix = "conn:"
	userKeyPrefix = "connuser:"

	storeMaxRetries     = 3
	storeInitialBackoff = 50 * time.Millisecond
	storeMaxBackoff     = 1 * time.Second
)

// registerScript performs the duplicate-user swap atomically: it refuses a
// reused connection ID, marks every online connection of the same user
// replaced, and writes the new record, all in one server-side step.
// KEYS[1] = new connection key, KEYS[2] = user index key.
// ARGV[1] = record json, ARGV[2] = ttl seconds, ARGV[3] = connection key
// prefix, ARGV[4] = new connection id.
var registerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.error_reply("conflict")
end
local replaced = {}
for _, id in ipairs(redis.call("SMEMBERS", KEYS[2])) do
	local key = ARGV[3] .. id
	local raw = redis.call("GET", key)
	if raw then
		local rec = cjson.decode(raw)
		if rec.status == "online" then
			rec.status = "replaced"
			local enc = cjson.encode(rec)
			local ttl = redis.call("TTL", key)
			if ttl > 0 then
				redis.call("SET", key, enc, "EX", ttl)
			else
				redis.call("SET", key, enc)
			end
			table.insert(replaced, enc)
		end
	else
		redis.call("SREM", KEYS[2], id)
	end
end
redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
redis.call("SADD", KEYS[2], ARGV[4])
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[2]))
return replaced
`)

// mutateScript applies a single-field transition to a record if it is
// still online. ARGV[1] = field, ARGV[2] = value, ARGV[3] = ttl seconds
// (0 keeps the current ttl), ARGV[4] = expiry timestamp (RFC3339, empty
// to keep). Returns the updated json or false when the record is missing
// or not online.
var mutateScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return false
end
local rec = cjson.decode(raw)
if rec.status ~= "online" then
	return false
end
rec[ARGV[1]] = ARGV[2]
if ARGV[4] ~= "" then
	rec.expires_at = ARGV[4]
end
local enc = cjson.encode(rec)
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], enc, "EX", tonumber(ARGV[3]))
else
	local ttl = redis.call("TTL", KEYS[1])
	if ttl > 0 then
		redis.call("SET", KEYS[1], enc, "EX", ttl)
	else
		redis.call("SET", KEYS[1], enc)
	end
end
return enc
`)

// closeScript marks a record closed. Idempotent: already terminal records
// are returned unchanged. Returns false when the record is unknown.
var closeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return false
end
local rec = cjson.decode(raw)
if rec.status == "online" then
	rec.status = "closed"
	raw = cjson.encode(rec)
	local ttl = redis.call("TTL", KEYS[1])
	if ttl > 0 then
		redis.call("SET", KEYS[1], raw, "EX", ttl)
	else
		redis.call("SET", KEYS[1], raw)
	end
end
return raw
`)

// reapScript deletes a record only if it still holds the value the
// sweeper read, so a concurrent Touch wins over the sweep.
var reapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// RedisStore implements Store on Redis. Records live under conn:<id> with
// a TTL as a backstop; SweepExpired is the authoritative reclaim. The
// per-user atomicity required by Register comes from Redis executing each
// script as a single step.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed registry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func connKey(connectionID string) string {
	return connKeyPrefix + connectionID
}

func userKey(userID string) string {
	return userKeyPrefix + userID
}

// withRetry runs op with bounded exponential backoff on transient store
// failures. Logical outcomes (redis.Nil, script errors) pass through.
func withRetry(ctx context.Context, op func() error) error {
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(storeInitialBackoff),
				backoff.WithMaxInterval(storeMaxBackoff),
			),
			storeMaxRetries,
		),
		ctx,
	)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, redis.Nil) || isScriptError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, strategy)
	if err != nil && !errors.Is(err, redis.Nil) && !isScriptError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func isScriptError(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}

// Register implements Store.
func (s *RedisStore) Register(ctx context.Context, p RegisterParams) (*RegisterResult, error) {
	now := s.now()
	conn := &Connection{
		ID:             p.ConnectionID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		ServerID:       p.ServerID,
		Status:         StatusOnline,
		ConnectedAt:    now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.ttl),
	}
	payload, err := json.Marshal(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connection: %w", err)
	}

	var raw interface{}
	err = withRetry(ctx, func() error {
		var runErr error
		raw, runErr = registerScript.Run(ctx, s.client,
			[]string{connKey(p.ConnectionID), userKey(p.UserID)},
			string(payload), int(s.ttl.Seconds()), connKeyPrefix, p.ConnectionID,
		).Result()
		return runErr
	})
	if err != nil {
		if isConflictReply(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	result := &RegisterResult{Connection: conn}
	entries, _ := raw.([]interface{})
	for _, entry := range entries {
		enc, ok := entry.(string)
		if !ok {
			continue
		}
		var replaced Connection
		if err := json.Unmarshal([]byte(enc), &replaced); err != nil {
			continue
		}
		result.Replaced = append(result.Replaced, &replaced)
	}
	return result, nil
}

func isConflictReply(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && redisErr.Error() == "conflict"
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, connectionID string) (*Connection, error) {
	var data string
	err := withRetry(ctx, func() error {
		var getErr error
		data, getErr = s.client.Get(ctx, connKey(connectionID)).Result()
		return getErr
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var conn Connection
	if err := json.Unmarshal([]byte(data), &conn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection: %w", err)
	}
	return &conn, nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, connectionID string) error {
	now := s.now()
	return s.mutate(ctx, connectionID,
		"last_activity_at", now.UTC().Format(time.RFC3339Nano),
		int(s.ttl.Seconds()), now.Add(s.ttl).UTC().Format(time.RFC3339Nano))
}

// SetSession implements Store.
func (s *RedisStore) SetSession(ctx context.Context, connectionID, sessionID string) error {
	return s.mutate(ctx, connectionID, "session_id", sessionID, 0, "")
}

func (s *RedisStore) mutate(ctx context.Context, connectionID, field, value string, ttlSeconds int, expiresAt string) error {
	var raw interface{}
	err := withRetry(ctx, func() error {
		var runErr error
		raw, runErr = mutateScript.Run(ctx, s.client,
			[]string{connKey(connectionID)}, field, value, ttlSeconds, expiresAt,
		).Result()
		return runErr
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close(ctx context.Context, connectionID string) (*Connection, error) {
	var raw interface{}
	err := withRetry(ctx, func() error {
		var runErr error
		raw, runErr = closeScript.Run(ctx, s.client, []string{connKey(connectionID)}).Result()
		return runErr
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	enc, ok := raw.(string)
	if !ok {
		return nil, ErrNotFound
	}
	var conn Connection
	if err := json.Unmarshal([]byte(enc), &conn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection: %w", err)
	}
	return &conn, nil
}

// LookupByUser implements Store.
func (s *RedisStore) LookupByUser(ctx context.Context, userID string) ([]*Connection, error) {
	var ids []string
	err := withRetry(ctx, func() error {
		var memErr error
		ids, memErr = s.client.SMembers(ctx, userKey(userID)).Result()
		return memErr
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = connKey(id)
	}
	var values []interface{}
	err = withRetry(ctx, func() error {
		var mgetErr error
		values, mgetErr = s.client.MGet(ctx, keys...).Result()
		return mgetErr
	})
	if err != nil {
		return nil, err
	}

	conns := make([]*Connection, 0, len(values))
	for _, value := range values {
		enc, ok := value.(string)
		if !ok {
			continue // record expired out from under the index
		}
		var conn Connection
		if err := json.Unmarshal([]byte(enc), &conn); err != nil {
			continue
		}
		conns = append(conns, &conn)
	}
	return conns, nil
}

// ListOnline implements Store. Scans connection records and keeps the
// online ones. A scan is fine here: presence queries are rare next to
// deliveries, and the user index only covers per-user lookups.
func (s *RedisStore) ListOnline(ctx context.Context) ([]*Connection, error) {
	var conns []*Connection
	iter := s.client.Scan(ctx, 0, connKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between scan and read
		}
		var conn Connection
		if err := json.Unmarshal([]byte(raw), &conn); err != nil {
			continue
		}
		if conn.Status == StatusOnline {
			conns = append(conns, &conn)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conns, nil
}

// SweepExpired implements Store. Scans connection records and removes
// those past expiry with a compare-and-delete, so a concurrent Touch is
// never lost. Repeated and concurrent sweeps are harmless.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, connKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if err != nil {
			continue // vanished or transient; next sweep retries
		}
		var conn Connection
		if err := json.Unmarshal([]byte(raw), &conn); err != nil {
			continue
		}
		if !conn.ExpiresAt.Before(now) {
			continue
		}
		reaped, err := reapScript.Run(ctx, s.client,
			[]string{key, userKey(conn.UserID)}, raw, conn.ID,
		).Int()
		if err == nil && reaped == 1 {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}
