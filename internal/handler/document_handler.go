// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// DocumentHandler 负责处理所有与知识库文档相关的 API 请求。
type DocumentHandler struct {
	ingestService service.IngestService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(ingestService service.IngestService) *DocumentHandler {
	return &DocumentHandler{ingestService: ingestService}
}

// ingestTextRequest 定义了文本接入 API 的请求体结构。
type ingestTextRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Text        string `json:"text" binding:"required"`
}

// IngestText 处理纯文本入库的请求。
func (h *DocumentHandler) IngestText(c *gin.Context) {
	var req ingestTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数: " + err.Error(), "data": nil})
		return
	}

	record, err := h.ingestService.IngestText(c.Request.Context(), req.Title, req.Description, req.Text)
	if err != nil {
		h.writeIngestError(c, err, "文本入库失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文本已接收，任务已发送到 Kafka",
		"data":    record,
	})
}

// IngestFile 处理文件入库的请求（multipart 表单）。
func (h *DocumentHandler) IngestFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未能获取上传的文件", "data": nil})
		return
	}
	defer file.Close()

	title := c.PostForm("title")
	description := c.PostForm("description")
	contentType := header.Header.Get("Content-Type")

	record, err := h.ingestService.IngestFile(c.Request.Context(), header.Filename, contentType, header.Size, file, title, description)
	if err != nil {
		h.writeIngestError(c, err, "文件入库失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文件已接收，任务已发送到 Kafka",
		"data":    record,
	})
}

// ListDocuments 返回全部已入库文档的记录列表。
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	records := h.ingestService.ListDocuments(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    records,
	})
}

// GetStatus 返回指定文档的摄取进度。
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	sourceID := c.Param("sourceId")
	status, err := h.ingestService.DocumentStatus(c.Request.Context(), sourceID)
	if err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "文档不存在", "data": nil})
			return
		}
		log.Errorf("获取文档状态失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取文档状态失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    status,
	})
}

// DeleteDocument 删除指定文档及其全部派生数据。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	sourceID := c.Param("sourceId")
	if err := h.ingestService.DeleteDocument(c.Request.Context(), sourceID); err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "文档不存在", "data": nil})
			return
		}
		log.Errorf("删除文档失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除文档失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档删除成功",
		"data":    nil,
	})
}

// writeIngestError 将接入服务错误映射为统一的 HTTP 响应。
func (h *DocumentHandler) writeIngestError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrEmptyDocument):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "文档内容不能为空", "data": nil})
	case errors.Is(err, service.ErrTextTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "文本长度超过限制", "data": nil})
	case errors.Is(err, service.ErrFileTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "文件大小超过限制", "data": nil})
	default:
		log.Errorf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": fallback, "data": nil})
	}
}
