// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ragchat-go/internal/model"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// wsSession 序列化对同一 WebSocket 连接的并发写入。
// 回合在独立 goroutine 中产生增量，读循环可能同时回写停止确认。
type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// ChatHandler 负责处理 WebSocket 聊天连接和无状态生成接口。
type ChatHandler struct {
	chatService   service.ChatService
	conversations service.ConversationService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, conversations service.ConversationService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService:   chatService,
		conversations: conversations,
		jwtManager:    jwtManager,
	}
}

// GetStreamToken 为指定会话签发一个短期 WebSocket 令牌。
// 不带 conversationId 参数时默认使用当前活动会话。
func (h *ChatHandler) GetStreamToken(c *gin.Context) {
	conversationID := c.Query("conversationId")
	if conversationID == "" {
		conversationID = h.conversations.ActiveConversation(c.Request.Context()).ID
	} else if _, err := h.conversations.ConversationMessages(c.Request.Context(), conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
		return
	}

	streamToken, err := h.jwtManager.GenerateStreamToken(conversationID)
	if err != nil {
		log.Errorf("生成流式令牌失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成令牌失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"token":          streamToken,
		"conversationId": conversationID,
	}})
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// Handle 处理一个传入的 WebSocket 连接。
// 回合在独立 goroutine 中执行，读循环保持运行以便接收停止指令。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyStreamToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	conversationID := claims.ConversationID

	// 会话可能在令牌签发后被删除
	if _, err := h.conversations.ConversationMessages(c.Request.Context(), conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，会话: %s", conversationID)

	sess := &wsSession{conn: conn}
	key := sessionKey(conn)
	defer h.stopFlags.Delete(key)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}
		log.Infof("收到 WebSocket 消息: %s", string(message))

		// 1) JSON 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		var ctrl map[string]interface{}
		if len(message) > 0 && message[0] == '{' {
			if err := json.Unmarshal(message, &ctrl); err == nil {
				if t, ok := ctrl["type"].(string); ok && t == "stop" {
					if tok, ok := ctrl["_internal_cmd_token"].(string); ok {
						h.stopTokenLock.Lock()
						valid := (tok == h.stopToken)
						h.stopTokenLock.Unlock()
						if valid {
							// 设置停止标志，正在进行的回合会在下一个增量处中断
							h.stopFlags.Store(key, true)
							// 回发停止确认
							_ = sess.writeJSON(map[string]interface{}{
								"type":      "stop",
								"message":   "响应已停止",
								"timestamp": time.Now().UnixMilli(),
								"date":      time.Now().Format("2006-01-02T15:04:05"),
							})
							continue
						}
					}
				}
			}
		}
		// 2) 旧停止令牌：整条消息等于 stopToken（保留兼容）
		h.stopTokenLock.Lock()
		stopTokenValue := h.stopToken
		h.stopTokenLock.Unlock()
		if stopTokenValue != "" && string(message) == stopTokenValue {
			log.Info("收到停止指令，正在中断流式响应...")
			h.stopFlags.Store(key, true)
			continue
		}

		userText := strings.TrimSpace(string(message))
		if userText == "" {
			continue
		}

		// 清除旧标志后在独立 goroutine 中运行回合，
		// 读循环继续接收停止指令。并发回合由 ChatService 拒绝。
		h.stopFlags.Delete(key)
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			h.runStreamTurn(sess, key, conversationID, text)
		}(userText)
	}
}

// runStreamTurn 执行一个回合并把增量以 {"text":...} 帧写入连接。
func (h *ChatHandler) runStreamTurn(sess *wsSession, key, conversationID, userText string) {
	onDelta := func(delta, total string) error {
		if v, ok := h.stopFlags.Load(key); ok && v.(bool) {
			return service.ErrTurnStopped
		}
		if err := sess.writeJSON(map[string]string{"text": delta}); err != nil {
			// 连接已断开，按停止处理，已生成部分保留
			return service.ErrTurnStopped
		}
		return nil
	}

	// 连接断开后回合仍需收尾，不绑定请求上下文
	_, err := h.chatService.RunTurn(context.Background(), conversationID, userText, onDelta)
	switch {
	case err == nil:
		_ = sess.writeJSON(completionNotice())
	case errors.Is(err, service.ErrTurnInProgress):
		_ = sess.writeJSON(map[string]string{"error": "当前会话正在生成回复，请稍候再试"})
	case errors.Is(err, service.ErrServiceUnavailable):
		log.Warnf("生成服务不可用，回合被拒绝: %v", err)
		_ = sess.writeJSON(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
		_ = sess.writeJSON(completionNotice())
	default:
		log.Errorf("处理流式响应失败: %v", err)
		_ = sess.writeJSON(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
		_ = sess.writeJSON(completionNotice())
	}
}

// completionNotice 构造回合结束通知。
func completionNotice() map[string]interface{} {
	return map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}

// generateRequest 是无状态生成接口的请求体。
type generateRequest struct {
	Messages []model.ChatMessage `json:"messages" binding:"required"`
	UseRAG   bool                `json:"use_rag"`
	Stream   bool                `json:"stream"`
}

func validChatRole(role string) bool {
	switch role {
	case model.RoleSystem, model.RoleUser, model.RoleAssistant:
		return true
	}
	return false
}

// Generate 处理无会话状态的单次生成请求。
// stream=false 返回 JSON，stream=true 返回 SSE 流。
func (h *ChatHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数: " + err.Error(), "data": nil})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "消息列表不能为空", "data": nil})
		return
	}
	for _, m := range req.Messages {
		if !validChatRole(m.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未知的消息角色: " + m.Role, "data": nil})
			return
		}
	}

	if !req.Stream {
		text, err := h.chatService.Generate(c.Request.Context(), req.Messages, req.UseRAG)
		if err != nil {
			if errors.Is(err, service.ErrServiceUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "AI服务暂时不可用，请稍后重试", "data": nil})
				return
			}
			log.Errorf("生成回答失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成回答失败", "data": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"text": text}})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "当前连接不支持流式响应", "data": nil})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	onDelta := func(delta, total string) error {
		frame, err := json.Marshal(map[string]string{"text": delta})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := h.chatService.GenerateStream(c.Request.Context(), req.Messages, req.UseRAG, onDelta); err != nil {
		log.Errorf("流式生成失败: %v", err)
		frame, _ := json.Marshal(map[string]string{"error": "生成回答时出现错误"})
		fmt.Fprintf(c.Writer, "data: %s\n\n", frame)
		flusher.Flush()
		return
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}
