// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// 会话状态持久化使用的固定键。四个集合各自独立序列化，
// 任何一个键缺失都不影响其余集合的加载。
const (
	KeyConversations      = "ragchat:conversations"
	KeyActiveConversation = "ragchat:active_conversation"
	KeyMessages           = "ragchat:messages"
	KeyUploadedFiles      = "ragchat:uploaded_files"
)

// ErrKeyNotFound 表示状态键尚未写入过。
var ErrKeyNotFound = errors.New("state key not found")

// StateRepository 是会话状态的键值持久化端口。
type StateRepository interface {
	// Get 读取一个键。键不存在时返回 ErrKeyNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type redisStateRepository struct {
	redisClient *redis.Client
}

// NewStateRepository 创建基于 Redis 的状态存储。
// 不设置过期时间：会话状态要求跨重启存活。
func NewStateRepository(redisClient *redis.Client) StateRepository {
	return &redisStateRepository{redisClient: redisClient}
}

func (r *redisStateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redisClient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state key '%s': %w", key, err)
	}
	return data, nil
}

func (r *redisStateRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.redisClient.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set state key '%s': %w", key, err)
	}
	return nil
}

// memoryStateRepository 是进程内实现，用于测试。
type memoryStateRepository struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStateRepository 创建进程内状态存储。
func NewMemoryStateRepository() StateRepository {
	return &memoryStateRepository{data: make(map[string][]byte)}
}

func (m *memoryStateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *memoryStateRepository) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}
