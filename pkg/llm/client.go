// Package llm provides a client for the external text generation service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
)

// DeltaFunc 在每个文本增量到达时被调用，delta 为新增文本，total 为
// 到目前为止累积的完整回答。返回非 nil 错误会中止流式读取。
type DeltaFunc func(delta, total string) error

// Client defines the interface for the generation service client.
type Client interface {
	// Stream 发起流式生成。返回最终文本；中途失败时返回已累积的
	// 部分文本和错误。
	Stream(ctx context.Context, messages []model.ChatMessage, onDelta DeltaFunc) (string, error)
	// Invoke 发起一次非流式生成，返回完整回答。
	Invoke(ctx context.Context, messages []model.ChatMessage) (string, error)
	// Ping 检查生成服务是否可达。
	Ping(ctx context.Context) error
}

type streamClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new generation service client.
// 不在 http.Client 上设超时：流式响应的生命周期由调用方的 context 控制。
func NewClient(cfg config.LLMConfig) Client {
	return &streamClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model    string              `json:"model,omitempty"`
	Messages []model.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type chatResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (c *streamClient) post(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/api/chat", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// Stream 驱动 StreamDecoder 读取生成服务的 SSE 响应。
func (c *streamClient) Stream(ctx context.Context, messages []model.ChatMessage, onDelta DeltaFunc) (string, error) {
	resp, err := c.post(ctx, chatRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	decoder := NewStreamDecoder()
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			events, feedErr := decoder.Feed(buf[:n])
			if feedErr != nil {
				return decoder.Text(), feedErr
			}
			for _, ev := range events {
				switch ev.Type {
				case EventText:
					if onDelta != nil {
						if cbErr := onDelta(ev.Text, decoder.Text()); cbErr != nil {
							return decoder.Text(), cbErr
						}
					}
				case EventDone:
					return decoder.Text(), nil
				case EventError:
					return decoder.Text(), decoder.Err()
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if decoder.State() == StateDone {
					return decoder.Text(), nil
				}
				err := fmt.Errorf("generation stream ended before completion")
				decoder.Fail(err)
				return decoder.Text(), err
			}
			decoder.Fail(readErr)
			return decoder.Text(), fmt.Errorf("failed to read from stream: %w", readErr)
		}
	}
}

// Invoke 发起非流式生成，响应为单个 JSON 对象。
func (c *streamClient) Invoke(ctx context.Context, messages []model.ChatMessage) (string, error) {
	resp, err := c.post(ctx, chatRequest{Model: c.cfg.Model, Messages: messages, Stream: false})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if body.Error != "" {
		return "", fmt.Errorf("generation service reported error: %s", body.Error)
	}
	return body.Text, nil
}

// Ping 请求生成服务的健康端点。
func (c *streamClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("generation service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation service health returned status %d", resp.StatusCode)
	}
	return nil
}
