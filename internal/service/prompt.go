// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"strings"

	"ragchat-go/internal/model"
)

// 上下文包裹格式。检索结果被夹在两条分隔线之间，基础提示词跟在后面。
const (
	contextHeader = "Context information is below.\n---------------------\n"
	contextFooter = "\n---------------------\nGiven the information above, respond to the user's query.\n\n"
)

// FormatContext 将检索结果按排名渲染为编号文档块。
// 没有结果时返回空字符串。块之间以空行分隔，每块的标题行只在
// Title/Source 非空时出现。
func FormatContext(results []model.RetrievedResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("[Document %d]\n", i+1))

		header := make([]string, 0, 2)
		if r.Title != "" {
			header = append(header, "Title: "+r.Title)
		}
		if r.Source != "" {
			header = append(header, "Source: "+r.Source)
		}
		if len(header) > 0 {
			b.WriteString(strings.Join(header, " | "))
			b.WriteString("\n")
		}
		b.WriteString(r.Content)
	}
	return b.String()
}

// FormatSystemPrompt 将上下文块并入系统提示词。
// 上下文为空时原样返回基础提示词，不附加任何包裹。
func FormatSystemPrompt(contextBlock, basePrompt string) string {
	if contextBlock == "" {
		return basePrompt
	}
	return contextHeader + contextBlock + contextFooter + basePrompt
}

// ApplySystemPrompt 确保消息列表中最多存在一条 system 消息。
// 已有 system 消息时替换其内容并保持位置，多余的丢弃；没有时前置一条。
func ApplySystemPrompt(messages []model.ChatMessage, prompt string) []model.ChatMessage {
	if prompt == "" {
		out := make([]model.ChatMessage, len(messages))
		copy(out, messages)
		return out
	}

	out := make([]model.ChatMessage, 0, len(messages)+1)
	replaced := false
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			if !replaced {
				out = append(out, model.ChatMessage{Role: model.RoleSystem, Content: prompt})
				replaced = true
			}
			continue
		}
		out = append(out, m)
	}
	if !replaced {
		out = append([]model.ChatMessage{{Role: model.RoleSystem, Content: prompt}}, out...)
	}
	return out
}
