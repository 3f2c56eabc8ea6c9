package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore Store 的行程內實作，Redis 不可達時的降級後備。
// 單一 mutex 保護全部狀態；zset 以依分數排序的 slice 模擬，
// 佇列規模（數百至數千筆）下線性插入已足夠。
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string][]ScoredMember
}

// NewMemoryStore 建立空的記憶體儲存。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string][]ScoredMember),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.hashes[key][field]; ok {
		return v, nil
	}
	return "", ErrNoKey
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		delete(s.hashes[key], f)
	}
	return nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.hashes[key])), nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += delta
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.zsets[key]
	for i := range zs {
		if zs[i].Member == member {
			zs[i].Score = score
			s.sortLocked(key)
			return nil
		}
	}
	s.zsets[key] = append(zs, ScoredMember{Member: member, Score: score})
	s.sortLocked(key)
	return nil
}

// ZPopMax 取出最高分成員。mutex 下的 pop 即原子，
// 對應 Redis 實作的 ZPOPMAX 排他性。
func (s *MemoryStore) ZPopMax(ctx context.Context, key string) (string, float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.zsets[key]
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	last := zs[len(zs)-1]
	s.zsets[key] = zs[:len(zs)-1]
	return last.Member, last.Score, true, nil
}

func (s *MemoryStore) ZRangeWithScores(ctx context.Context, key string) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScoredMember, len(s.zsets[key]))
	copy(out, s.zsets[key])
	return out, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.zsets[key]
	for i := range zs {
		if zs[i].Member == member {
			s.zsets[key] = append(zs[:i], zs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.hashes, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemoryStore) Durable() bool { return false }

// sortLocked 維持 zset slice 依 (score 升冪, member 升冪) 排序。
// 與 Redis 的 tie-break 規則一致：同分時依 member 字典序。
func (s *MemoryStore) sortLocked(key string) {
	zs := s.zsets[key]
	sort.SliceStable(zs, func(i, j int) bool {
		if zs[i].Score != zs[j].Score {
			return zs[i].Score < zs[j].Score
		}
		return zs[i].Member < zs[j].Member
	})
}
