// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/log"

	"github.com/google/uuid"
)

// 会话状态相关的业务错误。
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrEmptyTitle           = errors.New("conversation title is empty")
	// ErrNonMonotonicUpdate 表示新内容没有严格扩展已有前缀。
	// 流式解码只产出单调增长的文本，出现相同或更短的内容是调用方错误。
	ErrNonMonotonicUpdate = errors.New("assistant content update must strictly extend the existing text")
	// ErrMessageFinalized 表示消息已结束流式阶段，内容不可再变。
	ErrMessageFinalized = errors.New("assistant message is no longer streaming")
)

const (
	defaultConversationTitle = "New Conversation"
	titleMaxRunes            = 30
	// 流式增量的持久化节流间隔，最终状态总会在 Finalize 时落盘。
	streamFlushInterval = 500 * time.Millisecond
)

// ChangeEvent 描述一次会话状态变更，MessageID 为空表示会话级变更。
type ChangeEvent struct {
	ConversationID string
	MessageID      string
}

// Observer 在所属会话发生变更时被同步调用。
type Observer func(ev ChangeEvent)

// ConversationService 拥有全部会话状态：会话列表、消息、当前会话
// 与上传文件记录。所有变更都是锁内的整体状态转换，调用方拿到的
// 永远是副本；每次变更后将四个集合分别持久化到状态存储。
type ConversationService interface {
	AppendUserMessage(ctx context.Context, conversationID, content string) (model.Message, error)
	AppendAssistantPlaceholder(ctx context.Context, conversationID string) (model.Message, error)
	UpdateAssistantContent(ctx context.Context, messageID, content string) error
	FinalizeAssistantMessage(ctx context.Context, messageID string) error
	AppendAssistantMessage(ctx context.Context, conversationID, content string) (model.Message, error)

	StartNewConversation(ctx context.Context) (model.Conversation, error)
	SwitchConversation(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	RenameConversation(ctx context.Context, conversationID, title string) error
	ClearConversation(ctx context.Context, conversationID string) error

	ActiveConversation(ctx context.Context) model.Conversation
	ListConversations(ctx context.Context) []model.Conversation
	ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	HistoryWire(ctx context.Context, conversationID string, limit int) ([]model.ChatMessage, error)

	AddUploadedFile(ctx context.Context, record model.UploadedFileRecord) error
	RemoveUploadedFile(ctx context.Context, recordID string) error
	UploadedFiles(ctx context.Context) []model.UploadedFileRecord

	Subscribe(conversationID string, fn Observer) (cancel func())
}

type conversationService struct {
	repo repository.StateRepository

	mu            sync.Mutex
	conversations []model.Conversation // 最新的会话在最前
	messages      map[string]model.Message
	owner         map[string]string // messageID -> conversationID
	streaming     map[string]bool   // 仍处于流式阶段的 assistant 消息
	activeID      string
	uploads       []model.UploadedFileRecord
	lastFlush     time.Time

	obsMu     sync.Mutex
	observers map[string]map[int]Observer
	nextObsID int
}

// NewConversationService 创建会话服务并从状态存储恢复上一次的状态。
// 任何一个键缺失或损坏都只影响对应集合；没有任何会话时合成一个
// 空会话并激活，保证冷启动后立即可用。
func NewConversationService(repo repository.StateRepository) ConversationService {
	s := &conversationService{
		repo:      repo,
		messages:  make(map[string]model.Message),
		owner:     make(map[string]string),
		streaming: make(map[string]bool),
		observers: make(map[string]map[int]Observer),
	}
	s.load()

	s.mu.Lock()
	if len(s.conversations) == 0 {
		s.createConversationLocked()
		s.persistLocked()
	}
	s.mu.Unlock()
	return s
}

// load 从状态存储恢复四个集合，失败只记日志。
func (s *conversationService) load() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := s.repo.Get(ctx, repository.KeyConversations); err == nil {
		if err := json.Unmarshal(data, &s.conversations); err != nil {
			log.Errorf("[ConversationService] 解析会话列表失败: %v", err)
			s.conversations = nil
		}
	} else if !errors.Is(err, repository.ErrKeyNotFound) {
		log.Errorf("[ConversationService] 读取会话列表失败: %v", err)
	}

	if data, err := s.repo.Get(ctx, repository.KeyMessages); err == nil {
		var msgs []model.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			log.Errorf("[ConversationService] 解析消息列表失败: %v", err)
		} else {
			for _, m := range msgs {
				s.messages[m.ID] = m
			}
		}
	} else if !errors.Is(err, repository.ErrKeyNotFound) {
		log.Errorf("[ConversationService] 读取消息列表失败: %v", err)
	}

	if data, err := s.repo.Get(ctx, repository.KeyActiveConversation); err == nil {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			log.Errorf("[ConversationService] 解析当前会话 ID 失败: %v", err)
		} else {
			s.activeID = id
		}
	} else if !errors.Is(err, repository.ErrKeyNotFound) {
		log.Errorf("[ConversationService] 读取当前会话 ID 失败: %v", err)
	}

	if data, err := s.repo.Get(ctx, repository.KeyUploadedFiles); err == nil {
		if err := json.Unmarshal(data, &s.uploads); err != nil {
			log.Errorf("[ConversationService] 解析上传记录失败: %v", err)
			s.uploads = nil
		}
	} else if !errors.Is(err, repository.ErrKeyNotFound) {
		log.Errorf("[ConversationService] 读取上传记录失败: %v", err)
	}

	// 修复引用完整性：去掉指向不存在消息的引用，重建归属索引
	for i := range s.conversations {
		conv := &s.conversations[i]
		kept := conv.MessageIDs[:0]
		for _, id := range conv.MessageIDs {
			if _, ok := s.messages[id]; ok {
				kept = append(kept, id)
				if _, claimed := s.owner[id]; !claimed {
					s.owner[id] = conv.ID
				}
			}
		}
		conv.MessageIDs = kept
	}

	// 当前会话必须指向一个存在的会话
	if s.activeID != "" && s.findConversationLocked(s.activeID) < 0 {
		s.activeID = ""
	}
	if s.activeID == "" && len(s.conversations) > 0 {
		s.activeID = s.conversations[0].ID
	}

	log.Infof("[ConversationService] 状态恢复完成, 会话数: %d, 消息数: %d, 上传记录: %d",
		len(s.conversations), len(s.messages), len(s.uploads))
}

// persistLocked 将四个集合分别序列化落盘。持久化使用独立的后台
// context：请求被取消不应导致状态丢失。失败只记日志，不回滚内存状态。
func (s *conversationService) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msgs := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}

	sets := []struct {
		key   string
		value interface{}
	}{
		{repository.KeyConversations, s.conversations},
		{repository.KeyActiveConversation, s.activeID},
		{repository.KeyMessages, msgs},
		{repository.KeyUploadedFiles, s.uploads},
	}
	for _, item := range sets {
		data, err := json.Marshal(item.value)
		if err != nil {
			log.Errorf("[ConversationService] 序列化状态键 '%s' 失败: %v", item.key, err)
			continue
		}
		if err := s.repo.Set(ctx, item.key, data); err != nil {
			log.Errorf("[ConversationService] 持久化状态键 '%s' 失败: %v", item.key, err)
		}
	}
	s.lastFlush = time.Now()
}

func (s *conversationService) findConversationLocked(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// createConversationLocked 新建一个空会话并激活，新会话排在最前。
func (s *conversationService) createConversationLocked() model.Conversation {
	now := time.Now()
	conv := model.Conversation{
		ID:        uuid.New().String(),
		Title:     defaultConversationTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append([]model.Conversation{conv}, s.conversations...)
	s.activeID = conv.ID
	return conv
}

// deriveTitle 从第一条用户消息推导标题：压缩空白，超过 30 个字符截断加省略号。
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + "..."
	}
	return title
}

// AppendUserMessage 向会话追加一条用户消息。
// 会话此前没有任何消息时，用该消息推导会话标题。
func (s *conversationService) AppendUserMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return model.Message{}, ErrConversationNotFound
	}

	msg := model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	conv := &s.conversations[idx]
	wasEmpty := len(conv.MessageIDs) == 0
	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.UpdatedAt = msg.CreatedAt
	if wasEmpty {
		conv.Title = deriveTitle(content)
	}
	s.messages[msg.ID] = msg
	s.owner[msg.ID] = conv.ID
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID, MessageID: msg.ID})
	return msg, nil
}

// AppendAssistantPlaceholder 追加一条空的 assistant 消息并进入流式阶段。
func (s *conversationService) AppendAssistantPlaceholder(ctx context.Context, conversationID string) (model.Message, error) {
	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return model.Message{}, ErrConversationNotFound
	}

	msg := model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleAssistant,
		Content:   "",
		CreatedAt: time.Now(),
	}
	conv := &s.conversations[idx]
	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.UpdatedAt = msg.CreatedAt
	s.messages[msg.ID] = msg
	s.owner[msg.ID] = conv.ID
	s.streaming[msg.ID] = true
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID, MessageID: msg.ID})
	return msg, nil
}

// UpdateAssistantContent 用单调增长的文本更新流式中的 assistant 消息。
// 持久化按 streamFlushInterval 节流，最终内容由 Finalize 保证落盘。
func (s *conversationService) UpdateAssistantContent(ctx context.Context, messageID, content string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if !s.streaming[messageID] {
		s.mu.Unlock()
		return ErrMessageFinalized
	}
	if len(content) <= len(msg.Content) || !strings.HasPrefix(content, msg.Content) {
		s.mu.Unlock()
		return ErrNonMonotonicUpdate
	}

	msg.Content = content
	s.messages[messageID] = msg
	convID := s.owner[messageID]
	if idx := s.findConversationLocked(convID); idx >= 0 {
		s.conversations[idx].UpdatedAt = time.Now()
	}
	if time.Since(s.lastFlush) > streamFlushInterval {
		s.persistLocked()
	}
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: convID, MessageID: messageID})
	return nil
}

// FinalizeAssistantMessage 结束一条消息的流式阶段，此后内容不可变。
// 对已结束的消息调用是空操作。
func (s *conversationService) FinalizeAssistantMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if _, ok := s.messages[messageID]; !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if !s.streaming[messageID] {
		s.mu.Unlock()
		return nil
	}
	delete(s.streaming, messageID)
	convID := s.owner[messageID]
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: convID, MessageID: messageID})
	return nil
}

// AppendAssistantMessage 追加一条完整的 assistant 消息（例如流式失败
// 后面向用户的错误说明），不进入流式阶段。
func (s *conversationService) AppendAssistantMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return model.Message{}, ErrConversationNotFound
	}

	msg := model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	conv := &s.conversations[idx]
	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.UpdatedAt = msg.CreatedAt
	s.messages[msg.ID] = msg
	s.owner[msg.ID] = conv.ID
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID, MessageID: msg.ID})
	return msg, nil
}

// StartNewConversation 新建一个空会话并使其成为当前会话。
func (s *conversationService) StartNewConversation(ctx context.Context) (model.Conversation, error) {
	s.mu.Lock()
	conv := s.createConversationLocked()
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conv.ID})
	return conv, nil
}

// SwitchConversation 切换当前会话。
func (s *conversationService) SwitchConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.findConversationLocked(conversationID) < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.activeID = conversationID
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID})
	return nil
}

// DeleteConversation 删除会话并回收不再被任何会话引用的消息。
// 删除的是当前会话时，列表中最新的会话顶替；列表空了就合成新会话。
func (s *conversationService) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}

	removed := s.conversations[idx]
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	s.gcMessagesLocked(removed.MessageIDs)

	if s.activeID == conversationID {
		if len(s.conversations) > 0 {
			s.activeID = s.conversations[0].ID
		} else {
			s.createConversationLocked()
		}
	}
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID})
	return nil
}

// gcMessagesLocked 回收 candidates 中不再被任何现存会话引用的消息。
func (s *conversationService) gcMessagesLocked(candidates []string) {
	referenced := make(map[string]bool)
	for i := range s.conversations {
		for _, id := range s.conversations[i].MessageIDs {
			referenced[id] = true
		}
	}
	for _, id := range candidates {
		if !referenced[id] {
			delete(s.messages, id)
			delete(s.owner, id)
			delete(s.streaming, id)
		}
	}
}

// RenameConversation 显式重命名会话。
func (s *conversationService) RenameConversation(ctx context.Context, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.conversations[idx].Title = title
	s.conversations[idx].UpdatedAt = time.Now()
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID})
	return nil
}

// ClearConversation 清空会话的消息并回收不再被引用的消息对象，
// 会话本身保留。
func (s *conversationService) ClearConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}

	cleared := s.conversations[idx].MessageIDs
	s.conversations[idx].MessageIDs = nil
	s.conversations[idx].UpdatedAt = time.Now()
	s.gcMessagesLocked(cleared)
	s.persistLocked()
	s.mu.Unlock()

	s.notify(ChangeEvent{ConversationID: conversationID})
	return nil
}

// ActiveConversation 返回当前会话的副本。
func (s *conversationService) ActiveConversation(ctx context.Context) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findConversationLocked(s.activeID)
	if idx < 0 {
		conv := s.createConversationLocked()
		s.persistLocked()
		return conv
	}
	return copyConversation(s.conversations[idx])
}

// ListConversations 返回全部会话的副本，最新的在前。
func (s *conversationService) ListConversations(ctx context.Context) []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for i := range s.conversations {
		out = append(out, copyConversation(s.conversations[i]))
	}
	return out
}

// ConversationMessages 按追加顺序返回会话的全部消息副本。
func (s *conversationService) ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findConversationLocked(conversationID)
	if idx < 0 {
		return nil, ErrConversationNotFound
	}

	conv := s.conversations[idx]
	out := make([]model.Message, 0, len(conv.MessageIDs))
	for _, id := range conv.MessageIDs {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// HistoryWire 返回会话最近 limit 条消息的生成服务格式。
// 内容为空的消息（进行中的占位）不进入历史。
func (s *conversationService) HistoryWire(ctx context.Context, conversationID string, limit int) ([]model.ChatMessage, error) {
	msgs, err := s.ConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	wire := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		wire = append(wire, m.Wire())
	}
	if limit > 0 && len(wire) > limit {
		wire = wire[len(wire)-limit:]
	}
	return wire, nil
}

// AddUploadedFile 追加一条上传记录。
func (s *conversationService) AddUploadedFile(ctx context.Context, record model.UploadedFileRecord) error {
	s.mu.Lock()
	s.uploads = append(s.uploads, record)
	s.persistLocked()
	s.mu.Unlock()
	return nil
}

// RemoveUploadedFile 删除一条上传记录，记录不存在时为空操作。
func (s *conversationService) RemoveUploadedFile(ctx context.Context, recordID string) error {
	s.mu.Lock()
	kept := s.uploads[:0]
	for _, r := range s.uploads {
		if r.ID != recordID {
			kept = append(kept, r)
		}
	}
	s.uploads = kept
	s.persistLocked()
	s.mu.Unlock()
	return nil
}

// UploadedFiles 返回全部上传记录的副本。
func (s *conversationService) UploadedFiles(ctx context.Context) []model.UploadedFileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.UploadedFileRecord, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// Subscribe 注册一个会话的变更回调，返回取消函数。
func (s *conversationService) Subscribe(conversationID string, fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	if s.observers[conversationID] == nil {
		s.observers[conversationID] = make(map[int]Observer)
	}
	id := s.nextObsID
	s.nextObsID++
	s.observers[conversationID][id] = fn

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers[conversationID], id)
	}
}

// notify 在锁外同步通知会话的订阅者。
func (s *conversationService) notify(ev ChangeEvent) {
	s.obsMu.Lock()
	fns := make([]Observer, 0, len(s.observers[ev.ConversationID]))
	for _, fn := range s.observers[ev.ConversationID] {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func copyConversation(c model.Conversation) model.Conversation {
	out := c
	out.MessageIDs = make([]string, len(c.MessageIDs))
	copy(out.MessageIDs, c.MessageIDs)
	return out
}
