// Package model 定义了与存储层对应的 Go 结构体。
package model

// ChunkDocument 代表存储在 Elasticsearch 分块索引中的文档结构。
// chunk_uid 形如 "<sourceId>_<chunkIndex>"，作为索引文档 ID 保证重复摄取幂等。
type ChunkDocument struct {
	ChunkUID     string    `json:"chunk_uid"`
	SourceID     string    `json:"source_id"`
	ChunkIndex   int       `json:"chunk_index"`
	TotalChunks  int       `json:"total_chunks"`
	Title        string    `json:"title"`
	SourceTag    string    `json:"source_tag"`
	Content      string    `json:"content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// ImageDocument 代表存储在 Elasticsearch 图片索引中的文档结构。
// 原始图片以 base64 形式随文档保存，向量由多模态嵌入服务生成。
type ImageDocument struct {
	ImageID      string    `json:"image_id"`
	FileName     string    `json:"file_name"`
	ContentType  string    `json:"content_type"`
	Caption      string    `json:"caption"`
	ImageBase64  string    `json:"image_base64"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// RetrievedResult 是一次检索命中，生命周期不超过单个问答回合。
// Score 为相似度得分，取值范围 [0,1]，越高越相关。
type RetrievedResult struct {
	Content  string            `json:"content"`
	Title    string            `json:"title,omitempty"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// ImageResult 是图片检索返回给前端的结构。
type ImageResult struct {
	ImageID     string  `json:"imageId"`
	FileName    string  `json:"fileName"`
	ContentType string  `json:"contentType"`
	Caption     string  `json:"caption"`
	ImageBase64 string  `json:"imageBase64"`
	Score       float64 `json:"score"`
}
