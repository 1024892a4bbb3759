package model

import "time"

// ChunkRecord 对应于数据库中的 document_chunks 表。
// 摄取管道先落库再写入向量索引，删除来源时据此回收分块。
type ChunkRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement;column:id"`
	SourceID     string    `gorm:"type:varchar(64);not null;index;column:source_id"`
	ChunkIndex   int       `gorm:"not null;column:chunk_index"`
	ChunkUID     string    `gorm:"type:varchar(80);not null;uniqueIndex;column:chunk_uid"`
	Content      string    `gorm:"type:text;column:content"`
	Title        string    `gorm:"type:varchar(255);column:title"`
	SourceTag    string    `gorm:"type:varchar(100);column:source_tag"`
	ModelVersion string    `gorm:"type:varchar(50);column:model_version"`
	CreatedAt    time.Time `gorm:"autoCreateTime;column:created_at"`
}

func (ChunkRecord) TableName() string {
	return "document_chunks"
}
