// Package embedding provides a client for the external embedding service.
// Vector computation is fully delegated; this package only speaks the
// OpenAI-compatible /embeddings wire format.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
)

// Client defines the interface for an embedding client.
// Text embeddings use the text model; image and text-to-image queries
// share the multimodal model so both land in the same vector space.
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	CreateImageEmbedding(ctx context.Context, imageBase64 string) ([]float32, error)
	CreateMultimodalTextEmbedding(ctx context.Context, text string) ([]float32, error)
}

type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewClient creates a new embedding client.
func NewClient(cfg config.EmbeddingConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model      string        `json:"model"`
	Input      []interface{} `json:"input"`
	Dimensions int           `json:"dimensions,omitempty"`
}

type multimodalInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbedding calls the embedding API to get the vector for a given text.
func (c *openAICompatibleClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	log.Infof("[EmbeddingClient] 开始调用 Embedding API, model: %s, input_len: %d", c.cfg.Model, len(text))
	return c.doRequest(ctx, embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []interface{}{text},
		Dimensions: c.cfg.Dimensions,
	})
}

// CreateImageEmbedding embeds a base64-encoded image with the multimodal model.
func (c *openAICompatibleClient) CreateImageEmbedding(ctx context.Context, imageBase64 string) ([]float32, error) {
	log.Infof("[EmbeddingClient] 开始调用多模态 Embedding API, model: %s, image_len: %d", c.cfg.MultimodalModel, len(imageBase64))
	return c.doRequest(ctx, embeddingRequest{
		Model:      c.cfg.MultimodalModel,
		Input:      []interface{}{multimodalInput{Image: imageBase64}},
		Dimensions: c.cfg.Dimensions,
	})
}

// CreateMultimodalTextEmbedding embeds query text with the multimodal model,
// so text queries can be matched against image vectors.
func (c *openAICompatibleClient) CreateMultimodalTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return c.doRequest(ctx, embeddingRequest{
		Model:      c.cfg.MultimodalModel,
		Input:      []interface{}{multimodalInput{Text: text}},
		Dimensions: c.cfg.Dimensions,
	})
}

func (c *openAICompatibleClient) doRequest(ctx context.Context, reqBody embeddingRequest) ([]float32, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, fmt.Errorf("embedding api returned non-200 status: %s", resp.Status)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		log.Warnf("[EmbeddingClient] Embedding API 返回了空的向量数据")
		return nil, fmt.Errorf("received empty embedding from api")
	}

	return embeddingResp.Data[0].Embedding, nil
}
