package collab

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPresencePrefix  = "awareness:"
	redisFieldUserID     = "user_id"
	redisFieldPayload    = "payload"
	redisFieldLastSeenAt = "last_seen_at_ms"
	redisConnectTimeout  = 5 * time.Second
)

// upsertPresenceScript rewrites the entry and both indexes in one step.
var upsertPresenceScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'payload', ARGV[2], 'last_seen_at_ms', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
return 1
`)

// deleteStalePresenceScript removes the entry only while its score is still at or below the cutoff.
var deleteStalePresenceScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

// deleteOwnedPresenceScript removes the entry only while it still belongs to the user.
var deleteOwnedPresenceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'user_id') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[3])
return 1
`)

// RedisPresenceStore keeps awareness entries in Redis.
//
// Layout: a hash per entry, a set of client ids per document, and one sorted
// set scoring every entry by last-seen millis for the global sweep.
type RedisPresenceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisPresenceStore connects to redisURL and verifies the connection.
func NewRedisPresenceStore(redisURL string) (*RedisPresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPresenceStoreWithClient(client), nil
}

// NewRedisPresenceStoreWithClient wraps an existing client.
func NewRedisPresenceStoreWithClient(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client, prefix: redisPresencePrefix}
}

func (store *RedisPresenceStore) entryKey(documentID string, clientID int64) string {
	return store.prefix + "entry:" + documentID + ":" + strconv.FormatInt(clientID, 10)
}

func (store *RedisPresenceStore) documentKey(documentID string) string {
	return store.prefix + "doc:" + documentID
}

func (store *RedisPresenceStore) seenKey() string {
	return store.prefix + "seen"
}

// seenMember puts the numeric client id first so document ids may contain colons.
func seenMember(key PresenceKey) string {
	return strconv.FormatInt(key.ClientID, 10) + ":" + key.DocumentID
}

func parseSeenMember(member string) (PresenceKey, error) {
	rawClientID, documentID, ok := strings.Cut(member, ":")
	if !ok || documentID == "" {
		return PresenceKey{}, fmt.Errorf("malformed presence member %q", member)
	}
	clientID, err := strconv.ParseInt(rawClientID, 10, 64)
	if err != nil {
		return PresenceKey{}, fmt.Errorf("malformed presence member %q: %w", member, err)
	}
	return PresenceKey{DocumentID: documentID, ClientID: clientID}, nil
}

// Upsert implements PresenceStore.
func (store *RedisPresenceStore) Upsert(ctx context.Context, record PresenceRecord) error {
	key := PresenceKey{DocumentID: record.DocumentID, ClientID: record.ClientID}
	keys := []string{
		store.entryKey(record.DocumentID, record.ClientID),
		store.documentKey(record.DocumentID),
		store.seenKey(),
	}
	err := upsertPresenceScript.Run(ctx, store.client, keys,
		record.UserID,
		record.Payload,
		record.LastSeenAtMs,
		record.ClientID,
		seenMember(key),
	).Err()
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// ListByDocument implements PresenceStore.
func (store *RedisPresenceStore) ListByDocument(ctx context.Context, documentID string) ([]PresenceRecord, error) {
	members, err := store.client.SMembers(ctx, store.documentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence members: %w", err)
	}
	if len(members) == 0 {
		return []PresenceRecord{}, nil
	}

	clientIDs := make([]int64, 0, len(members))
	for _, member := range members {
		clientID, parseErr := strconv.ParseInt(member, 10, 64)
		if parseErr != nil {
			continue
		}
		clientIDs = append(clientIDs, clientID)
	}
	sort.Slice(clientIDs, func(i, j int) bool { return clientIDs[i] < clientIDs[j] })

	pipeline := store.client.Pipeline()
	commands := make([]*redis.MapStringStringCmd, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		commands = append(commands, pipeline.HGetAll(ctx, store.entryKey(documentID, clientID)))
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load presence entries: %w", err)
	}

	records := make([]PresenceRecord, 0, len(commands))
	for index, command := range commands {
		fields := command.Val()
		if len(fields) == 0 {
			continue
		}
		lastSeen, _ := strconv.ParseInt(fields[redisFieldLastSeenAt], 10, 64)
		records = append(records, PresenceRecord{
			DocumentID:   documentID,
			ClientID:     clientIDs[index],
			UserID:       fields[redisFieldUserID],
			Payload:      fields[redisFieldPayload],
			LastSeenAtMs: lastSeen,
		})
	}
	return records, nil
}

// DeleteForUser implements PresenceStore.
func (store *RedisPresenceStore) DeleteForUser(ctx context.Context, documentID, userID string) (int64, error) {
	records, err := store.ListByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, record := range records {
		if record.UserID != userID {
			continue
		}
		key := PresenceKey{DocumentID: documentID, ClientID: record.ClientID}
		keys := []string{
			store.entryKey(documentID, record.ClientID),
			store.documentKey(documentID),
			store.seenKey(),
		}
		removed, err := deleteOwnedPresenceScript.Run(ctx, store.client, keys,
			userID,
			record.ClientID,
			seenMember(key),
		).Int64()
		if err != nil {
			return deleted, fmt.Errorf("delete presence: %w", err)
		}
		deleted += removed
	}
	return deleted, nil
}

// ListStale implements PresenceStore.
func (store *RedisPresenceStore) ListStale(ctx context.Context, cutoffMs int64, limit int) ([]PresenceKey, error) {
	members, err := store.client.ZRangeByScore(ctx, store.seenKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoffMs, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale presence: %w", err)
	}
	keys := make([]PresenceKey, 0, len(members))
	for _, member := range members {
		key, parseErr := parseSeenMember(member)
		if parseErr != nil {
			// Unparseable members can never be deleted by key; drop them from the index.
			store.client.ZRem(ctx, store.seenKey(), member)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteIfStale implements PresenceStore.
func (store *RedisPresenceStore) DeleteIfStale(ctx context.Context, key PresenceKey, cutoffMs int64) (bool, error) {
	keys := []string{
		store.seenKey(),
		store.entryKey(key.DocumentID, key.ClientID),
		store.documentKey(key.DocumentID),
	}
	removed, err := deleteStalePresenceScript.Run(ctx, store.client, keys,
		seenMember(key),
		cutoffMs,
		key.ClientID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("delete stale presence: %w", err)
	}
	return removed == 1, nil
}

// Ping checks whether Redis is reachable.
func (store *RedisPresenceStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (store *RedisPresenceStore) Close() error {
	return store.client.Close()
}
