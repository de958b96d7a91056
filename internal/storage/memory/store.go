package memory

import (
	"context"
	"sync"
	"time"
)

// Store 使用内存保存限流计数，未配置 Redis 时使用，只在单实例内生效。
type Store struct {
	mu sync.Mutex

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期速率限制的时间

	now func() time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
		now:               time.Now,
	}
}

// IncrementRateLimit 增加限流计数（固定窗口）
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 清理过期的速率限制条目（每5分钟清理一次）
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	// 获取或创建速率限制条目
	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		entry = &rateLimitEntry{
			Count:     1,
			ExpiresAt: now.Add(window),
		}
		s.rateLimits[key] = entry
		return 1, nil
	}

	// 增加计数
	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 获取限流计数
func (s *Store) GetRateLimit(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.rateLimits[key]
	if !exists || s.now().After(entry.ExpiresAt) {
		return 0
	}
	return entry.Count
}
