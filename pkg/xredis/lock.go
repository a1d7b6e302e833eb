package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLock 扫描周期的分布式锁
// 多节点部署时保证同一条链的扫描周期只在一个节点上执行
type CycleLock struct {
	rdb *redis.Client
	id  string // 当前节点的唯一ID
}

func NewCycleLock(rdb *redis.Client) *CycleLock {
	// 组合随机id
	id := fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano())
	return &CycleLock{
		rdb: rdb,
		id:  id,
	}
}

// TryAcquire 尝试抢占本轮扫描
// SETNX: 如果 Key 不存在则设置成功，否则失败
// 带过期时间，防止持有节点宕机后死锁
func (l *CycleLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) bool {
	success, err := l.rdb.SetNX(ctx, key, l.id, ttl).Result()
	if err != nil {
		// Redis 不可用时退化为单节点模式，由本地 in-flight 标志兜底
		return true
	}

	if !success {
		// 如果抢锁失败，检查锁是不是自己的（用于续期）
		val, _ := l.rdb.Get(ctx, key).Result()
		if val == l.id {
			l.rdb.Expire(ctx, key, ttl)
			return true
		}
	}

	return success
}

// Release 释放锁，只能释放自己持有的
func (l *CycleLock) Release(ctx context.Context, key string) {
	val, err := l.rdb.Get(ctx, key).Result()
	if err != nil || val != l.id {
		return
	}
	l.rdb.Del(ctx, key)
}
