package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"go-im-markers/internal/markers"
)

// RedisMarkerStore 将每个会话的标记记录保存在一个 hash 中：
// key 为存储键（im:markers:<convId>），field 为 message_key，value 为记录 JSON。
type RedisMarkerStore struct {
	client *redis.Client
}

func NewRedisMarkerStore(c *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: c}
}

func (s *RedisMarkerStore) Load(ctx context.Context, key string) ([]*markers.Marker, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "hgetall %s", key)
	}
	out := make([]*markers.Marker, 0, len(vals))
	for field, v := range vals {
		var m markers.Marker
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		m.MessageKey = field
		out = append(out, &m)
	}
	return out, nil
}

func (s *RedisMarkerStore) Save(ctx context.Context, key string, m *markers.Marker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode marker")
	}
	return errors.Wrapf(s.client.HSet(ctx, key, m.MessageKey, b).Err(), "hset %s", key)
}

func (s *RedisMarkerStore) Remove(ctx context.Context, key, messageKey string) error {
	return errors.Wrapf(s.client.HDel(ctx, key, messageKey).Err(), "hdel %s", key)
}
