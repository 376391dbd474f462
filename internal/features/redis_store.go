package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileKeyPrefix = "fraudscope:profile:"

// RedisStore keeps profiles as JSON documents in Redis so several scoring
// replicas can share account history. Saves are optimistic: the key is
// WATCHed and the write only commits if the stored revision is unchanged.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps profiles indefinitely;
// otherwise the expiry is refreshed on every save so only idle accounts lapse.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func profileKey(accountID string) string {
	return profileKeyPrefix + accountID
}

func (s *RedisStore) Load(ctx context.Context, accountID string) (*Profile, error) {
	data, err := s.client.Get(ctx, profileKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("features: load profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("features: decode profile %s: %w", accountID, err)
	}
	return &p, nil
}

func (s *RedisStore) Save(ctx context.Context, p *Profile) error {
	key := profileKey(p.AccountID)
	next := p.Clone()
	next.Revision = p.Revision + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("features: encode profile: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedRevision(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != p.Revision {
			return ErrProfileConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		p.Revision = next.Revision
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrProfileConflict):
		return ErrProfileConflict
	default:
		return fmt.Errorf("features: save profile: %w", err)
	}
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func storedRevision(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, err
	}
	return head.Revision, nil
}
