package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

var (
	// ErrTurnInProgress 表示该会话已有一个回合在进行中。
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
	// ErrTurnStopped 由 onDelta 返回，表示用户主动停止生成。
	// 已生成的部分内容保留为最终内容。
	ErrTurnStopped = errors.New("turn stopped by user")
)

// 流式中断后追加的面向用户的说明消息。
const generationFailureNotice = "抱歉，生成回答时出现错误，请稍后重试。"

// ChatOptions 控制一个聊天回合的组装行为。
type ChatOptions struct {
	SystemPrompt  string
	HistoryLimit  int
	StreamTimeout time.Duration
	Retrieve      RetrieveOptions
}

// DefaultChatOptions 返回默认的回合参数。
func DefaultChatOptions() ChatOptions {
	return ChatOptions{
		HistoryLimit:  20,
		StreamTimeout: 120 * time.Second,
		Retrieve:      DefaultRetrieveOptions(),
	}
}

// ChatService 编排一个完整的检索增强聊天回合：追加用户消息、检索、
// 组装提示词、流式生成并把增量写回会话存储。
type ChatService interface {
	// RunTurn 在指定会话上执行一个回合，返回最终的 assistant 消息。
	// onDelta 随每个增量被调用，返回错误则中止生成（已生成部分保留）。
	RunTurn(ctx context.Context, conversationID, userText string, onDelta llm.DeltaFunc) (model.Message, error)
	// Generate 是无会话状态的单次生成，消息列表完全由调用方给出。
	Generate(ctx context.Context, messages []model.ChatMessage, useRAG bool) (string, error)
	// GenerateStream 同 Generate，但以流式返回增量。
	GenerateStream(ctx context.Context, messages []model.ChatMessage, useRAG bool, onDelta llm.DeltaFunc) (string, error)
}

type chatService struct {
	store     ConversationService
	search    SearchService
	llmClient llm.Client
	health    HealthService
	opts      ChatOptions

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

// NewChatService 创建聊天编排服务，opts 中的零值字段取默认值。
func NewChatService(store ConversationService, search SearchService, llmClient llm.Client, health HealthService, opts ChatOptions) ChatService {
	def := DefaultChatOptions()
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = def.StreamTimeout
	}
	return &chatService{
		store:     store,
		search:    search,
		llmClient: llmClient,
		health:    health,
		opts:      opts,
		turns:     make(map[string]*sync.Mutex),
	}
}

// turnMutex 返回会话对应的回合锁，同一会话同时只允许一个回合。
func (s *chatService) turnMutex(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.turns[conversationID]
	if !ok {
		m = &sync.Mutex{}
		s.turns[conversationID] = m
	}
	return m
}

func (s *chatService) RunTurn(ctx context.Context, conversationID, userText string, onDelta llm.DeltaFunc) (model.Message, error) {
	turn := s.turnMutex(conversationID)
	if !turn.TryLock() {
		return model.Message{}, ErrTurnInProgress
	}
	defer turn.Unlock()

	// 服务不可用时在任何状态变更之前拒绝整个回合
	if err := s.health.Authorize(ctx); err != nil {
		return model.Message{}, err
	}

	userMsg, err := s.store.AppendUserMessage(ctx, conversationID, userText)
	if err != nil {
		return model.Message{}, err
	}
	log.Infof("[ChatService] 回合开始, 会话: %s, 消息: %s", conversationID, userMsg.ID)

	history, err := s.store.HistoryWire(ctx, conversationID, s.opts.HistoryLimit)
	if err != nil {
		return model.Message{}, err
	}
	messages := s.augment(ctx, history, userText)

	placeholder, err := s.store.AppendAssistantPlaceholder(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.opts.StreamTimeout)
	defer cancel()

	final, streamErr := s.llmClient.Stream(streamCtx, messages, func(delta, total string) error {
		if err := s.store.UpdateAssistantContent(ctx, placeholder.ID, total); err != nil {
			return err
		}
		if onDelta != nil {
			return onDelta(delta, total)
		}
		return nil
	})

	// 不论成败, 已生成的部分内容都定格为终态
	if err := s.store.FinalizeAssistantMessage(ctx, placeholder.ID); err != nil && !errors.Is(err, ErrMessageNotFound) {
		log.Errorf("[ChatService] 定格消息失败: %v", err)
	}

	result := model.Message{
		ID:        placeholder.ID,
		Role:      model.RoleAssistant,
		Content:   final,
		CreatedAt: placeholder.CreatedAt,
	}

	switch {
	case streamErr == nil:
		log.Infof("[ChatService] 回合完成, 会话: %s, 生成 %d 字节", conversationID, len(final))
		return result, nil
	case errors.Is(streamErr, ErrTurnStopped):
		log.Infof("[ChatService] 回合被用户停止, 会话: %s", conversationID)
		return result, nil
	case errors.Is(streamErr, ErrMessageNotFound), errors.Is(streamErr, ErrMessageFinalized):
		// 会话在回合中途被删除或清空, 没有可以追加说明的地方
		log.Warnf("[ChatService] 回合目标已不存在, 会话: %s: %v", conversationID, streamErr)
		return model.Message{}, streamErr
	default:
		log.Errorf("[ChatService] 流式生成失败, 会话: %s: %v", conversationID, streamErr)
		if _, err := s.store.AppendAssistantMessage(ctx, conversationID, generationFailureNotice); err != nil {
			log.Errorf("[ChatService] 追加失败说明消息失败: %v", err)
		}
		return result, streamErr
	}
}

func (s *chatService) Generate(ctx context.Context, messages []model.ChatMessage, useRAG bool) (string, error) {
	if err := s.health.Authorize(ctx); err != nil {
		return "", err
	}
	prepared := s.prepare(ctx, messages, useRAG)
	return s.llmClient.Invoke(ctx, prepared)
}

func (s *chatService) GenerateStream(ctx context.Context, messages []model.ChatMessage, useRAG bool, onDelta llm.DeltaFunc) (string, error) {
	if err := s.health.Authorize(ctx); err != nil {
		return "", err
	}
	prepared := s.prepare(ctx, messages, useRAG)

	streamCtx, cancel := context.WithTimeout(ctx, s.opts.StreamTimeout)
	defer cancel()
	return s.llmClient.Stream(streamCtx, prepared, onDelta)
}

// augment 在会话历史上套用检索上下文与配置的基础系统提示词。
func (s *chatService) augment(ctx context.Context, history []model.ChatMessage, query string) []model.ChatMessage {
	results := s.search.Retrieve(ctx, query, s.opts.Retrieve)
	prompt := FormatSystemPrompt(FormatContext(results), s.opts.SystemPrompt)
	return ApplySystemPrompt(history, prompt)
}

// prepare 处理无状态生成的消息列表。开启检索时以最后一条用户消息为
// 查询；调用方自带的系统消息优先于配置的基础提示词。
func (s *chatService) prepare(ctx context.Context, messages []model.ChatMessage, useRAG bool) []model.ChatMessage {
	if !useRAG {
		return messages
	}
	query := latestUserText(messages)
	if query == "" {
		return messages
	}

	base := s.opts.SystemPrompt
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			base = m.Content
			break
		}
	}

	results := s.search.Retrieve(ctx, query, s.opts.Retrieve)
	prompt := FormatSystemPrompt(FormatContext(results), base)
	return ApplySystemPrompt(messages, prompt)
}

// latestUserText 返回消息列表中最后一条用户消息的内容。
func latestUserText(messages []model.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
