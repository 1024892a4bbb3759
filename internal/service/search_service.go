// Package service 提供了检索相关的业务逻辑。
package service

import (
	"context"
	"fmt"
	"strconv"

	"ragchat-go/internal/model"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/log"
)

// VectorIndex 是检索服务对向量存储的依赖端口，由 *es.Client 实现。
// 作为接口注入以便替换测试替身。
type VectorIndex interface {
	SearchChunks(ctx context.Context, vector []float32, limit int) ([]es.ChunkHit, error)
	SearchImages(ctx context.Context, vector []float32, limit int) ([]es.ImageHit, error)
}

// RetrieveOptions 控制单次检索的数量上限与相似度下限。
type RetrieveOptions struct {
	Limit    int
	MinScore float64
}

// DefaultRetrieveOptions 返回默认检索参数。
func DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{Limit: 5, MinScore: 0.7}
}

// SearchService 接口定义了检索操作。
type SearchService interface {
	// Retrieve 在分块索引上做相似度检索。任何一步失败都降级为空结果，
	// 绝不让检索失败中断问答回合。
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) []model.RetrievedResult
	// RetrieveImagesByText 用文本查询图片索引。
	RetrieveImagesByText(ctx context.Context, query string, opts RetrieveOptions) ([]model.ImageResult, error)
	// RetrieveSimilarImages 用一张图片查询相似图片。
	RetrieveSimilarImages(ctx context.Context, imageBase64 string, opts RetrieveOptions) ([]model.ImageResult, error)
}

type searchService struct {
	embeddingClient embedding.Client
	index           VectorIndex
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, index VectorIndex) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		index:           index,
	}
}

// Retrieve 执行文本分块检索：向量化查询、KNN 搜索、客户端分数过滤。
func (s *searchService) Retrieve(ctx context.Context, query string, opts RetrieveOptions) []model.RetrievedResult {
	opts = normalizeOpts(opts)
	log.Infof("[SearchService] 开始检索, query_len: %d, limit: %d, min_score: %.2f", len(query), opts.Limit, opts.MinScore)

	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败, 降级为空结果: %v", err)
		return nil
	}

	hits, err := s.index.SearchChunks(ctx, queryVector, opts.Limit)
	if err != nil {
		log.Errorf("[SearchService] 向量检索失败, 降级为空结果: %v", err)
		return nil
	}

	results := make([]model.RetrievedResult, 0, len(hits))
	for _, hit := range hits {
		// 低于相似度下限的命中直接丢弃，不做分数修正
		if hit.Score < opts.MinScore {
			continue
		}
		results = append(results, model.RetrievedResult{
			Content: hit.Doc.Content,
			Title:   hit.Doc.Title,
			Source:  hit.Doc.SourceTag,
			Score:   hit.Score,
			Metadata: map[string]string{
				"sourceId":    hit.Doc.SourceID,
				"chunkUid":    hit.Doc.ChunkUID,
				"chunkIndex":  strconv.Itoa(hit.Doc.ChunkIndex),
				"totalChunks": strconv.Itoa(hit.Doc.TotalChunks),
			},
		})
	}

	log.Infof("[SearchService] 检索完成, 命中 %d 条, 过滤后剩余 %d 条", len(hits), len(results))
	return results
}

// RetrieveImagesByText 用多模态文本向量查询图片索引。
func (s *searchService) RetrieveImagesByText(ctx context.Context, query string, opts RetrieveOptions) ([]model.ImageResult, error) {
	opts = normalizeOpts(opts)

	queryVector, err := s.embeddingClient.CreateMultimodalTextEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create multimodal query embedding: %w", err)
	}
	return s.searchImages(ctx, queryVector, opts)
}

// RetrieveSimilarImages 用图片向量查询图片索引。
func (s *searchService) RetrieveSimilarImages(ctx context.Context, imageBase64 string, opts RetrieveOptions) ([]model.ImageResult, error) {
	opts = normalizeOpts(opts)

	queryVector, err := s.embeddingClient.CreateImageEmbedding(ctx, imageBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create image embedding: %w", err)
	}
	return s.searchImages(ctx, queryVector, opts)
}

func (s *searchService) searchImages(ctx context.Context, vector []float32, opts RetrieveOptions) ([]model.ImageResult, error) {
	hits, err := s.index.SearchImages(ctx, vector, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("image search failed: %w", err)
	}

	results := make([]model.ImageResult, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < opts.MinScore {
			continue
		}
		results = append(results, model.ImageResult{
			ImageID:     hit.Doc.ImageID,
			FileName:    hit.Doc.FileName,
			ContentType: hit.Doc.ContentType,
			Caption:     hit.Doc.Caption,
			ImageBase64: hit.Doc.ImageBase64,
			Score:       hit.Score,
		})
	}
	return results, nil
}

func normalizeOpts(opts RetrieveOptions) RetrieveOptions {
	def := DefaultRetrieveOptions()
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if opts.MinScore <= 0 {
		opts.MinScore = def.MinScore
	}
	return opts
}
