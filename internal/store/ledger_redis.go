package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/doc2288/streeming-app/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "refresh:token:"
	userKeyPrefix  = "refresh:user:"

	watchRetries = 5
)

func tokenKey(token string) string { return tokenKeyPrefix + token }

func userKey(userID uuid.UUID) string { return userKeyPrefix + userID.String() }

// RedisLedger 以 refresh:token:<value> 保存记录（TTL 与 expires_at 对齐），
// 并用 refresh:user:<id> 集合维护用户名下的令牌以支持 RevokeAll。
type RedisLedger struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisLedger(rdb redis.UniversalClient) *RedisLedger {
	return &RedisLedger{rdb: rdb, now: time.Now}
}

func (l *RedisLedger) Store(ctx context.Context, rt *models.RefreshToken) error {
	if rt.ID == uuid.Nil {
		rt.ID = uuid.New()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = l.now()
	}
	data, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	ttl := rt.ExpiresAt.Sub(l.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := l.rdb.SetNX(ctx, tokenKey(rt.Token), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return l.rdb.SAdd(ctx, userKey(rt.UserID), rt.Token).Err()
}

// Consume 使用 GETDEL，读取与删除在 Redis 内是同一个原子命令。
func (l *RedisLedger) Consume(ctx context.Context, token string) (*models.RefreshToken, error) {
	data, err := l.rdb.GetDel(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rt models.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, err
	}
	rt.Token = token
	// 集合里的残留引用不影响正确性，PurgeExpired 会清理。
	_ = l.rdb.SRem(ctx, userKey(rt.UserID), token).Err()
	return &rt, nil
}

func (l *RedisLedger) RevokeByValueAndOwner(ctx context.Context, token string, userID uuid.UUID) error {
	key := tokenKey(token)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rt models.RefreshToken
		if err := json.Unmarshal(data, &rt); err != nil {
			return err
		}
		if rt.UserID != userID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, userKey(userID), token)
			return nil
		})
		return err
	}
	for i := 0; i < watchRetries; i++ {
		err := l.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (l *RedisLedger) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	uk := userKey(userID)
	members, err := l.rdb.SMembers(ctx, uk).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	dels := make([]*redis.IntCmd, 0, len(members))
	_, err = l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			dels = append(dels, pipe.Del(ctx, tokenKey(m)))
		}
		// 只移除已读到的成员，并发新增的令牌保留在集合中。
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SRem(ctx, uk, args...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range dels {
		n += d.Val()
	}
	return n, nil
}

// PurgeExpired 过期记录由 Redis TTL 自动删除，这里只清理集合中的悬挂引用。
func (l *RedisLedger) PurgeExpired(ctx context.Context, _ time.Time) (int64, error) {
	var removed int64
	iter := l.rdb.Scan(ctx, 0, userKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		uk := iter.Val()
		members, err := l.rdb.SMembers(ctx, uk).Result()
		if err != nil {
			return removed, err
		}
		for _, m := range members {
			n, err := l.rdb.Exists(ctx, tokenKey(m)).Result()
			if err != nil {
				return removed, err
			}
			if n == 0 {
				if err := l.rdb.SRem(ctx, uk, m).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, iter.Err()
}
