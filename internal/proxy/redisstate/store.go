// Package redisstate persists proxy pool runtime state in a Redis hash.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/answer-engine-crawler/internal/proxy"
)

// Store keeps one hash per pool: field = proxy server, value = JSON state.
type Store struct {
	client redis.UniversalClient
	key    string
}

// New wraps an existing client.
func New(client redis.UniversalClient, key string) *Store {
	if key == "" {
		key = "proxy:state"
	}
	return &Store{client: client, key: key}
}

// Load returns every persisted proxy state. Undecodable fields are skipped.
func (s *Store) Load(ctx context.Context) (map[string]proxy.State, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	out := make(map[string]proxy.State, len(raw))
	for field, value := range raw {
		var st proxy.State
		if err := json.Unmarshal([]byte(value), &st); err != nil {
			continue
		}
		out[field] = st
	}
	return out, nil
}

// saveNewer sets the field only when the stored version is older than ARGV[2].
var saveNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and type(doc) == 'table' and tonumber(doc['version'] or 0) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// Save writes one proxy's state unless a newer version is already stored.
func (s *Store) Save(ctx context.Context, key string, state proxy.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode proxy state: %w", err)
	}
	version := strconv.FormatUint(state.Version, 10)
	if err := saveNewer.Run(ctx, s.client, []string{s.key}, key, version, payload).Err(); err != nil {
		return fmt.Errorf("save %s in %s: %w", key, s.key, err)
	}
	return nil
}
