// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// 同一个接入任务放弃重试前的最大处理次数。
const maxTaskAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 封装接入任务的 Kafka 生产者。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceIngestTask 发送一个文档接入任务到 Kafka。
func (p *Producer) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.SourceID),
		Value: taskBytes,
	})
}

// Close 关闭生产者连接。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptStore 用 Redis 记录每个接入任务的失败次数。
// 状态查询端用它区分排队中、重试中与已放弃的任务。
type AttemptStore struct {
	rdb *redis.Client
}

// NewAttemptStore 创建失败计数存储。
func NewAttemptStore(rdb *redis.Client) *AttemptStore {
	return &AttemptStore{rdb: rdb}
}

func attemptsKey(sourceID string) string {
	return fmt.Sprintf("kafka:attempts:%s", sourceID)
}

// Incr 递增失败计数并返回当前值，计数 24 小时后自动清理。
func (s *AttemptStore) Incr(ctx context.Context, sourceID string) (int64, error) {
	attempts, err := s.rdb.Incr(ctx, attemptsKey(sourceID)).Result()
	if err != nil {
		return 0, err
	}
	_ = s.rdb.Expire(ctx, attemptsKey(sourceID), 24*time.Hour).Err()
	return attempts, nil
}

// Count 返回当前失败计数，没有记录时为 0。
func (s *AttemptStore) Count(ctx context.Context, sourceID string) (int64, error) {
	attempts, err := s.rdb.Get(ctx, attemptsKey(sourceID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// Reset 清除失败计数。
func (s *AttemptStore) Reset(ctx context.Context, sourceID string) error {
	return s.rdb.Del(ctx, attemptsKey(sourceID)).Err()
}

// StartConsumer 启动一个 Kafka 消费者来处理文档接入任务。
func StartConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts *AttemptStore) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  "ragchat-ingest-consumer",
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break // 退出循环，由上层决定重启策略
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var task tasks.IngestTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理接入任务: SourceID=%s, FileName=%s", task.SourceID, task.FileName)
		if err := processor.Process(context.Background(), task); err != nil {
			log.Errorf("处理接入任务失败: SourceID=%s, Error: %v", task.SourceID, err)
			// 用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			count, incErr := attempts.Incr(context.Background(), task.SourceID)
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			if count >= maxTaskAttempts {
				log.Errorf("接入任务多次失败(>=%d)，提交 offset 终止重试: SourceID=%s", maxTaskAttempts, task.SourceID)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// 未达阈值时不提交 offset，让 Kafka 自动重试
		} else {
			log.Infof("接入任务处理成功: SourceID=%s", task.SourceID)
			if err := attempts.Reset(context.Background(), task.SourceID); err != nil {
				log.Warnf("清理失败计数失败: %v", err)
			}
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
