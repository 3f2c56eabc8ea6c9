// Package store 抽象佇列背後的 key/value 與 sorted-set 儲存層。
// 提供 Redis 與行程內記憶體兩種實作，讓上層 TaskStore 的邏輯與後端無關：
// Redis 可用時具備跨行程共享與重啟持久性，不可用時自動降級為記憶體模式
// （功能完整但單行程、重啟即失）。
package store

import (
	"context"
	"errors"
)

// ErrNoKey 表示 hash 欄位或 key 不存在。
var ErrNoKey = errors.New("store: key not found")

// ScoredMember sorted set 中的一筆成員與其分數。
type ScoredMember struct {
	Member string
	Score  float64
}

// Store 佇列所需的最小儲存原語集合。
// 所有實作必須可供多 goroutine 併發使用；
// ZPopMax 必須是原子操作，這是「同一任務不會被兩個 Worker 取走」的唯一保證。
type Store interface {
	Ping(ctx context.Context) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZPopMax(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	ZRangeWithScores(ctx context.Context, key string) ([]ScoredMember, error)
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	Del(ctx context.Context, keys ...string) error

	// Durable 回報此後端是否跨行程/跨重啟持久（Redis = true，記憶體 = false）。
	Durable() bool
}
