package repository

import (
	"context"
	"fmt"
	"time"

	"geochat_backend/internal/model"

	"github.com/go-redis/redis/v8"
)

const friendCacheTTL = 10 * time.Minute

type ConnectionRepository struct {
	Store Store
	Redis *redis.Client
}

func NewConnectionRepository(store Store, rdb *redis.Client) *ConnectionRepository {
	return &ConnectionRepository{Store: store, Redis: rdb}
}

func friendCacheKey(userID string) string {
	return fmt.Sprintf("geochat:relation:friends:%s", userID)
}

// AcceptedFriendIDs 只读取 accepted 状态的好友 ID
func (r *ConnectionRepository) AcceptedFriendIDs(ctx context.Context, userID string) ([]string, error) {
	var conns []model.Connection
	err := r.Store.Query(ctx, Query{
		Table:  model.TableConnections,
		Filter: Filter{{"user_id": userID, "status": model.ConnectionAccepted}},
	}, &conns)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(conns))
	seen := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.FriendID]; ok {
			continue
		}
		seen[c.FriendID] = struct{}{}
		ids = append(ids, c.FriendID)
	}
	return ids, nil
}

// AcceptedFriendIDsCached 带缓存的好友 ID 列表，缓存为空集合时回源数据库
func (r *ConnectionRepository) AcceptedFriendIDsCached(ctx context.Context, userID string) ([]string, error) {
	if r.Redis == nil {
		return r.AcceptedFriendIDs(ctx, userID)
	}
	key := friendCacheKey(userID)
	cached, err := r.Redis.SMembers(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		ids := make([]string, 0, len(cached))
		for _, id := range cached {
			if id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	ids, err := r.AcceptedFriendIDs(ctx, userID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := r.Redis.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, friendCacheTTL)
	pipe.Exec(ctx)
	return ids, nil
}

// InvalidateFriends drops the cached friend set, e.g. after a new accepted connection arrives.
func (r *ConnectionRepository) InvalidateFriends(ctx context.Context, userID string) {
	if r.Redis != nil {
		r.Redis.Del(ctx, friendCacheKey(userID))
	}
}

func (r *ConnectionRepository) IsFriend(ctx context.Context, userID, friendID string) (bool, error) {
	var conns []model.Connection
	err := r.Store.Query(ctx, Query{
		Table:  model.TableConnections,
		Filter: Filter{{"user_id": userID, "friend_id": friendID, "status": model.ConnectionAccepted}},
		Limit:  1,
	}, &conns)
	return len(conns) > 0, err
}
