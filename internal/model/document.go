// Package model 包含了应用的数据模型定义。
package model

import "time"

// 文档摄取状态，由分块登记表和重试计数推导得出。
const (
	IngestStatusPending    = "pending"
	IngestStatusProcessing = "processing"
	IngestStatusCompleted  = "completed"
	IngestStatusFailed     = "failed"
)

// DocumentInput 是摄取边界归一化后的文档。
type DocumentInput struct {
	SourceID    string `json:"sourceId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
	SourceTag   string `json:"sourceTag,omitempty"`
}

// UploadedFileRecord 记录一次文件上传，作为对话状态的附属集合持久化。
type UploadedFileRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// DocumentStatus 描述一个来源的摄取进度。
type DocumentStatus struct {
	SourceID   string `json:"sourceId"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunkCount"`
}

// HealthStatus 汇总各依赖服务的可用性。
// 服务可用但索引尚未建立时处于降级可用状态。
type HealthStatus struct {
	VectorStoreUp       bool `json:"vectorStoreUp"`
	GenerationServiceUp bool `json:"generationServiceUp"`
	SchemaInitialized   bool `json:"schemaInitialized"`
}

// Degraded 表示至少一个依赖不可用或索引缺失。
func (h HealthStatus) Degraded() bool {
	return !h.VectorStoreUp || !h.GenerationServiceUp || !h.SchemaInitialized
}
