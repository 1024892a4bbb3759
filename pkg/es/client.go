// Package es 提供了与 Elasticsearch 向量索引交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Client 封装了分块索引和图片索引上的全部操作。
// 由组合根构造并注入，而不是包级单例。
type Client struct {
	es         *elasticsearch.Client
	chunkIndex string
	imageIndex string
	dims       int
}

// ChunkHit 是分块索引的一次检索命中。
type ChunkHit struct {
	Doc   model.ChunkDocument
	Score float64
}

// ImageHit 是图片索引的一次检索命中。
type ImageHit struct {
	Doc   model.ImageDocument
	Score float64
}

// NewClient 创建 Elasticsearch 客户端。不会建立索引，索引由
// EnsureSchema 在健康检查发现缺失时惰性创建。
func NewClient(esCfg config.ElasticsearchConfig, dims int) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		es:         client,
		chunkIndex: esCfg.ChunkIndex,
		imageIndex: esCfg.ImageIndex,
		dims:       dims,
	}, nil
}

// Ping 检查 Elasticsearch 集群是否可达。
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned status %d", res.StatusCode)
	}
	return nil
}

// SchemaReady 报告两个索引是否都已存在。
func (c *Client) SchemaReady(ctx context.Context) (bool, error) {
	for _, name := range []string{c.chunkIndex, c.imageIndex} {
		exists, err := c.indexExists(ctx, name)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

// EnsureSchema 创建缺失的索引，已存在的索引保持不变。
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.createIndexIfNotExists(ctx, c.chunkIndex, c.chunkMapping()); err != nil {
		return err
	}
	return c.createIndexIfNotExists(ctx, c.imageIndex, c.imageMapping())
}

func (c *Client) indexExists(ctx context.Context, indexName string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{indexName}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return true, nil
	}
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (c *Client) createIndexIfNotExists(ctx context.Context, indexName, mapping string) error {
	exists, err := c.indexExists(ctx, indexName)
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if exists {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}

	res, err := c.es.Indices.Create(
		indexName,
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// chunkMapping 返回分块索引的 mapping，向量维度与 cosine 相似度来自配置。
func (c *Client) chunkMapping() string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_uid": { "type": "keyword" },
				"source_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"total_chunks": { "type": "integer" },
				"title": { "type": "keyword" },
				"source_tag": { "type": "keyword" },
				"content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" }
			}
		}
	}`, c.dims)
}

func (c *Client) imageMapping() string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"image_id": { "type": "keyword" },
				"file_name": { "type": "keyword" },
				"content_type": { "type": "keyword" },
				"caption": { "type": "text" },
				"image_base64": { "type": "binary" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" }
			}
		}
	}`, c.dims)
}

// IndexChunk 将单个分块文档索引到 Elasticsearch，chunk_uid 作为文档 ID。
func (c *Client) IndexChunk(ctx context.Context, doc model.ChunkDocument) error {
	return c.indexDocument(ctx, c.chunkIndex, doc.ChunkUID, doc)
}

// IndexImage 将单个图片文档索引到 Elasticsearch。
func (c *Client) IndexImage(ctx context.Context, doc model.ImageDocument) error {
	return c.indexDocument(ctx, c.imageIndex, doc.ImageID, doc)
}

func (c *Client) indexDocument(ctx context.Context, indexName, docID string, doc interface{}) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: docID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// SearchChunks 在分块索引上执行 KNN 检索，按得分降序返回。
func (c *Client) SearchChunks(ctx context.Context, vector []float32, limit int) ([]ChunkHit, error) {
	body := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": limit * 10,
		},
		"size": limit,
		"_source": map[string]interface{}{
			"excludes": []string{"vector"},
		},
	}

	var sr struct {
		Hits struct {
			Hits []struct {
				Source model.ChunkDocument `json:"_source"`
				Score  float64             `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := c.search(ctx, c.chunkIndex, body, &sr); err != nil {
		return nil, err
	}

	hits := make([]ChunkHit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hits = append(hits, ChunkHit{Doc: h.Source, Score: h.Score})
	}
	return hits, nil
}

// SearchImages 在图片索引上执行 KNN 检索，按得分降序返回。
func (c *Client) SearchImages(ctx context.Context, vector []float32, limit int) ([]ImageHit, error) {
	body := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": limit * 10,
		},
		"size": limit,
	}

	var sr struct {
		Hits struct {
			Hits []struct {
				Source model.ImageDocument `json:"_source"`
				Score  float64             `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := c.search(ctx, c.imageIndex, body, &sr); err != nil {
		return nil, err
	}

	hits := make([]ImageHit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hits = append(hits, ImageHit{Doc: h.Source, Score: h.Score})
	}
	return hits, nil
}

func (c *Client) search(ctx context.Context, indexName string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indexName),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch search returned error: %s", res.String())
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// DeleteChunksBySource 删除一个来源的全部分块。来源不存在时为空操作。
func (c *Client) DeleteChunksBySource(ctx context.Context, sourceID string) error {
	query := fmt.Sprintf(`{"query": {"term": {"source_id": %q}}}`, sourceID)

	res, err := c.es.DeleteByQuery(
		[]string{c.chunkIndex},
		strings.NewReader(query),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("删除来源 '%s' 的分块失败: %s", sourceID, res.String())
	}
	return nil
}

// DeleteImage 按 ID 删除单个图片文档。
func (c *Client) DeleteImage(ctx context.Context, imageID string) error {
	req := esapi.DeleteRequest{
		Index:      c.imageIndex,
		DocumentID: imageID,
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return ErrImageNotFound
	}
	if res.IsError() {
		return fmt.Errorf("删除图片 '%s' 失败: %s", imageID, res.String())
	}
	return nil
}

// ErrImageNotFound 表示图片索引中不存在该文档。
var ErrImageNotFound = errors.New("image document not found")

// CountChunksBySource 统计一个来源已索引的分块数，用于摄取进度查询。
func (c *Client) CountChunksBySource(ctx context.Context, sourceID string) (int, error) {
	query := fmt.Sprintf(`{"query": {"term": {"source_id": %q}}}`, sourceID)

	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.chunkIndex),
		c.es.Count.WithBody(strings.NewReader(query)),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("统计来源 '%s' 的分块数失败: %s", sourceID, res.String())
	}

	var cr struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return 0, err
	}
	return cr.Count, nil
}
