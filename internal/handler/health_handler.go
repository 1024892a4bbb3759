// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/service"
)

// HealthHandler 暴露依赖服务的健康状态。
type HealthHandler struct {
	healthService service.HealthService
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(healthService service.HealthService) *HealthHandler {
	return &HealthHandler{healthService: healthService}
}

// Check 返回向量库与生成服务的可用性汇总。
// 依赖不可用时仍返回 200，降级状态通过 degraded 字段表达。
func (h *HealthHandler) Check(c *gin.Context) {
	status := h.healthService.Check(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"vectorStoreUp":       status.VectorStoreUp,
			"generationServiceUp": status.GenerationServiceUp,
			"schemaInitialized":   status.SchemaInitialized,
			"degraded":            status.Degraded(),
		},
	})
}
