// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/service"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/log"
)

// ImageHandler 负责处理图片上传与跨模态检索的 API 请求。
type ImageHandler struct {
	imageService service.ImageService
}

// NewImageHandler 创建一个新的 ImageHandler 实例。
func NewImageHandler(imageService service.ImageService) *ImageHandler {
	return &ImageHandler{imageService: imageService}
}

// Upload 处理图片上传的请求（multipart 表单，image 字段 + 可选 caption）。
func (h *ImageHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未能获取上传的图片", "data": nil})
		return
	}
	defer file.Close()

	caption := c.PostForm("caption")
	contentType := header.Header.Get("Content-Type")

	imageID, err := h.imageService.UploadImage(c.Request.Context(), header.Filename, contentType, header.Size, file, caption)
	if err != nil {
		h.writeImageError(c, err, "图片上传失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "图片上传成功",
		"data":    gin.H{"imageId": imageID},
	})
}

// SearchByText 处理以文搜图的请求。
func (h *ImageHandler) SearchByText(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的查询参数", "data": nil})
		return
	}
	opts := parseRetrieveOptions(c)

	results, err := h.imageService.SearchByText(c.Request.Context(), query, opts)
	if err != nil {
		h.writeImageError(c, err, "图片检索失败")
		return
	}

	log.Infof("[ImageHandler] 以文搜图成功, query: '%s', 返回 %d 条结果", query, len(results))
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": results})
}

// SearchSimilar 处理以图搜图的请求（multipart 表单，image 字段）。
func (h *ImageHandler) SearchSimilar(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未能获取上传的图片", "data": nil})
		return
	}
	defer file.Close()

	opts := parseRetrieveOptions(c)
	contentType := header.Header.Get("Content-Type")

	results, err := h.imageService.SearchSimilar(c.Request.Context(), contentType, header.Size, file, opts)
	if err != nil {
		h.writeImageError(c, err, "图片检索失败")
		return
	}

	log.Infof("[ImageHandler] 以图搜图成功, 文件: %s, 返回 %d 条结果", header.Filename, len(results))
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": results})
}

// Delete 从图片索引中删除指定图片。
func (h *ImageHandler) Delete(c *gin.Context) {
	imageID := c.Param("id")
	if err := h.imageService.DeleteImage(c.Request.Context(), imageID); err != nil {
		if errors.Is(err, es.ErrImageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "图片不存在", "data": nil})
			return
		}
		log.Errorf("删除图片失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除图片失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "图片删除成功", "data": nil})
}

// writeImageError 将图片服务错误映射为统一的 HTTP 响应。
func (h *ImageHandler) writeImageError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrEmptyImage):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "图片内容不能为空", "data": nil})
	case errors.Is(err, service.ErrImageTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "图片大小超过限制", "data": nil})
	case errors.Is(err, service.ErrUnsupportedImageType):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "不支持的图片格式", "data": nil})
	case errors.Is(err, service.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的查询参数", "data": nil})
	default:
		log.Errorf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": fallback, "data": nil})
	}
}
