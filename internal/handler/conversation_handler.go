// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversations 返回全部会话列表（最新在前）和当前活动会话 ID。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	conversations := h.service.ListConversations(c.Request.Context())
	active := h.service.ActiveConversation(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversations": conversations,
			"activeId":      active.ID,
		},
	})
}

// CreateConversation 新建一个会话并将其设为活动会话。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	conversation, err := h.service.StartNewConversation(c.Request.Context())
	if err != nil {
		log.Errorf("创建会话失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "创建会话失败",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    conversation,
	})
}

// GetActiveConversation 返回当前活动会话。
func (h *ConversationHandler) GetActiveConversation(c *gin.Context) {
	active := h.service.ActiveConversation(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    active,
	})
}

// ActivateConversation 将指定会话设为活动会话。
func (h *ConversationHandler) ActivateConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.SwitchConversation(c.Request.Context(), id); err != nil {
		h.writeServiceError(c, err, "切换会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// DeleteConversation 删除指定会话。删除最后一个会话时会自动创建新会话。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteConversation(c.Request.Context(), id); err != nil {
		h.writeServiceError(c, err, "删除会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// renameRequest 是重命名会话的请求体。
type renameRequest struct {
	Title string `json:"title" binding:"required"`
}

// RenameConversation 修改指定会话的标题。
func (h *ConversationHandler) RenameConversation(c *gin.Context) {
	id := c.Param("id")
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求参数: " + err.Error(),
			"data":    nil,
		})
		return
	}
	if err := h.service.RenameConversation(c.Request.Context(), id, req.Title); err != nil {
		h.writeServiceError(c, err, "重命名会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// ClearConversation 清空指定会话的全部消息，保留会话本身。
func (h *ConversationHandler) ClearConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.ClearConversation(c.Request.Context(), id); err != nil {
		h.writeServiceError(c, err, "清空会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// GetMessages 返回指定会话的消息列表（按追加顺序）。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	id := c.Param("id")
	messages, err := h.service.ConversationMessages(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, err, "获取消息失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    messages,
	})
}

// writeServiceError 将会话服务错误映射为统一的 HTTP 响应。
func (h *ConversationHandler) writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
	case errors.Is(err, service.ErrEmptyTitle):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "标题不能为空", "data": nil})
	default:
		log.Errorf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": fallback, "data": nil})
	}
}
