package repository

import (
	"ragchat-go/internal/model"

	"gorm.io/gorm"
)

// ChunkRepository 定义了对 document_chunks 表的数据操作接口。
// 摄取管道先写登记表再写向量索引，删除来源时先清索引再清表。
type ChunkRepository interface {
	BatchCreate(records []*model.ChunkRecord) error
	FindBySourceID(sourceID string) ([]*model.ChunkRecord, error)
	CountBySourceID(sourceID string) (int64, error)
	DeleteBySourceID(sourceID string) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// BatchCreate 批量创建分块登记记录。
func (r *chunkRepository) BatchCreate(records []*model.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.CreateInBatches(records, 100).Error
}

// FindBySourceID 按来源查找全部分块记录，按分块顺序返回。
func (r *chunkRepository) FindBySourceID(sourceID string) ([]*model.ChunkRecord, error) {
	var records []*model.ChunkRecord
	err := r.db.Where("source_id = ?", sourceID).Order("chunk_index asc").Find(&records).Error
	return records, err
}

// CountBySourceID 统计一个来源已登记的分块数。
func (r *chunkRepository) CountBySourceID(sourceID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.ChunkRecord{}).Where("source_id = ?", sourceID).Count(&count).Error
	return count, err
}

// DeleteBySourceID 删除一个来源的全部分块记录。
func (r *chunkRepository) DeleteBySourceID(sourceID string) error {
	return r.db.Where("source_id = ?", sourceID).Delete(&model.ChunkRecord{}).Error
}
