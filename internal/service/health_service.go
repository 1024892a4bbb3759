package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/pkg/log"
)

// ErrServiceUnavailable 表示依赖的外部服务在重试后仍不可达。
var ErrServiceUnavailable = errors.New("required services are unavailable")

// vectorStorePinger 是健康检查需要的向量库能力子集。
type vectorStorePinger interface {
	Ping(ctx context.Context) error
	SchemaReady(ctx context.Context) (bool, error)
	EnsureSchema(ctx context.Context) error
}

// generationPinger 是健康检查需要的生成服务能力子集。
type generationPinger interface {
	Ping(ctx context.Context) error
}

// HealthOptions 控制探活的重试与缓存行为。
type HealthOptions struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	ProbeTimeout time.Duration
	CacheTTL     time.Duration
}

// DefaultHealthOptions 返回默认的探活参数。
func DefaultHealthOptions() HealthOptions {
	return HealthOptions{
		MaxAttempts:  3,
		BackoffBase:  200 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
		CacheTTL:     10 * time.Second,
	}
}

// HealthService 汇总向量库与生成服务的可用性，并按需初始化索引结构。
// 探活结果带短期缓存，聊天回合的鉴权不会高频打到外部服务。
type HealthService interface {
	Check(ctx context.Context) model.HealthStatus
	EnsureSchema(ctx context.Context) error
	Authorize(ctx context.Context) error
}

type healthService struct {
	vector vectorStorePinger
	gen    generationPinger
	opts   HealthOptions

	mu            sync.Mutex
	cached        model.HealthStatus
	cachedAt      time.Time
	schemaEnsured bool

	ensureMu sync.Mutex
}

// NewHealthService 创建健康检查服务，opts 中的零值字段取默认值。
func NewHealthService(vector vectorStorePinger, gen generationPinger, opts HealthOptions) HealthService {
	def := DefaultHealthOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	return &healthService{vector: vector, gen: gen, opts: opts}
}

// Check 返回当前健康状态，缓存未过期时直接返回上次结果。
func (s *healthService) Check(ctx context.Context) model.HealthStatus {
	s.mu.Lock()
	if !s.cachedAt.IsZero() && time.Since(s.cachedAt) < s.opts.CacheTTL {
		status := s.cached
		s.mu.Unlock()
		return status
	}
	s.mu.Unlock()

	status := s.probe(ctx)

	s.mu.Lock()
	s.cached = status
	s.cachedAt = time.Now()
	// 探活发现索引又缺失时，允许下一次 EnsureSchema 重新建索引
	if status.VectorStoreUp && !status.SchemaInitialized {
		s.schemaEnsured = false
	}
	s.mu.Unlock()
	return status
}

// probe 并发探测两个外部服务，各自带重试与退避。
func (s *healthService) probe(ctx context.Context) model.HealthStatus {
	var status model.HealthStatus
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		status.VectorStoreUp = s.pingWithRetry(ctx, "向量库", s.vector.Ping)
	}()
	go func() {
		defer wg.Done()
		status.GenerationServiceUp = s.pingWithRetry(ctx, "生成服务", s.gen.Ping)
	}()
	wg.Wait()

	if status.VectorStoreUp {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		ready, err := s.vector.SchemaReady(probeCtx)
		cancel()
		if err != nil {
			log.Warnf("[HealthService] 检查索引结构失败: %v", err)
		} else {
			status.SchemaInitialized = ready
		}
	}
	return status
}

// pingWithRetry 对单个服务探活，最多 MaxAttempts 次，间隔指数退避。
func (s *healthService) pingWithRetry(ctx context.Context, name string, ping func(context.Context) error) bool {
	backoff := s.opts.BackoffBase
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		err := ping(probeCtx)
		cancel()
		if err == nil {
			return true
		}
		log.Warnf("[HealthService] %s 探活失败 (第 %d/%d 次): %v", name, attempt, s.opts.MaxAttempts, err)
		if attempt == s.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}

// EnsureSchema 初始化缺失的索引结构。每个"检测到缺失"的状态只实际
// 执行一次，成功后置位守卫，直到后续探活再次发现缺失才会重建。
func (s *healthService) EnsureSchema(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	s.mu.Lock()
	done := s.schemaEnsured
	s.mu.Unlock()
	if done {
		return nil
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.vector.EnsureSchema(ensureCtx); err != nil {
		return err
	}

	s.mu.Lock()
	s.schemaEnsured = true
	s.cached.SchemaInitialized = true
	s.mu.Unlock()
	log.Info("[HealthService] 索引结构初始化完成")
	return nil
}

// Authorize 判定一个聊天回合能否开始。生成服务不可达时拒绝；
// 向量库不可达只会让检索降级，不阻塞聊天；索引缺失时顺路补建。
func (s *healthService) Authorize(ctx context.Context) error {
	status := s.Check(ctx)

	if status.VectorStoreUp && !status.SchemaInitialized {
		if err := s.EnsureSchema(ctx); err != nil {
			log.Errorf("[HealthService] 索引结构初始化失败: %v", err)
		}
	}

	if !status.GenerationServiceUp {
		return ErrServiceUnavailable
	}
	return nil
}
