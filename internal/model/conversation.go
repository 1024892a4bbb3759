// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 代表发送给文本生成服务的单条消息。
type ChatMessage struct {
	Role    string `json:"role"` // "system"、"user" 或 "assistant"
	Content string `json:"content"`
}

// Message 代表会话中的一条消息。
// assistant 消息在流式生成期间 Content 会增长，结束后不可变。
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation 代表一次会话，消息通过 ID 引用，顺序即追加顺序。
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	MessageIDs []string  `json:"messageIds"`
}

// Wire 将一条存储消息转换为发送给生成服务的格式。
func (m Message) Wire() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content}
}
