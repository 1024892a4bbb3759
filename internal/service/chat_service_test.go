package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM 按脚本产出增量, 可在末尾注入失败。
type scriptedLLM struct {
	deltas       []string
	streamErr    error
	invokeText   string
	lastMessages []model.ChatMessage
}

func (f *scriptedLLM) Stream(ctx context.Context, messages []model.ChatMessage, onDelta llm.DeltaFunc) (string, error) {
	f.lastMessages = messages
	var total strings.Builder
	for _, d := range f.deltas {
		total.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d, total.String()); err != nil {
				return total.String(), err
			}
		}
	}
	return total.String(), f.streamErr
}

func (f *scriptedLLM) Invoke(ctx context.Context, messages []model.ChatMessage) (string, error) {
	f.lastMessages = messages
	return f.invokeText, f.streamErr
}

func (f *scriptedLLM) Ping(ctx context.Context) error { return nil }

type scriptedSearch struct {
	results   []model.RetrievedResult
	lastQuery string
}

func (f *scriptedSearch) Retrieve(ctx context.Context, query string, opts RetrieveOptions) []model.RetrievedResult {
	f.lastQuery = query
	return f.results
}

func (f *scriptedSearch) RetrieveImagesByText(ctx context.Context, query string, opts RetrieveOptions) ([]model.ImageResult, error) {
	return nil, nil
}

func (f *scriptedSearch) RetrieveSimilarImages(ctx context.Context, imageBase64 string, opts RetrieveOptions) ([]model.ImageResult, error) {
	return nil, nil
}

type stubGate struct{ err error }

func (g *stubGate) Check(ctx context.Context) model.HealthStatus { return model.HealthStatus{} }
func (g *stubGate) EnsureSchema(ctx context.Context) error       { return nil }
func (g *stubGate) Authorize(ctx context.Context) error          { return g.err }

func newChatFixture(t *testing.T, mock *scriptedLLM, search *scriptedSearch) (ChatService, ConversationService) {
	t.Helper()
	store := NewConversationService(repository.NewMemoryStateRepository())
	svc := NewChatService(store, search, mock, &stubGate{}, ChatOptions{
		SystemPrompt: "You are a helpful assistant.",
	})
	return svc, store
}

func TestRunTurnAssemblesAugmentedPrompt(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"Par", "is"}}
	search := &scriptedSearch{results: []model.RetrievedResult{{
		Content: "Paris is the capital of France.",
		Title:   "Doc1",
		Source:  "geo.txt",
		Score:   0.92,
	}}}
	svc, store := newChatFixture(t, mock, search)
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	var deltas []string
	msg, err := svc.RunTurn(ctx, conv.ID, "What is the capital of France?", func(delta, total string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", msg.Content)
	assert.Equal(t, []string{"Par", "is"}, deltas)
	assert.Equal(t, "What is the capital of France?", search.lastQuery)

	// 发给生成服务的消息: 检索上下文在前, 基础提示词在后, 然后才是历史
	require.NotEmpty(t, mock.lastMessages)
	sys := mock.lastMessages[0]
	require.Equal(t, model.RoleSystem, sys.Role)
	iDoc := strings.Index(sys.Content, "[Document 1]")
	iTitle := strings.Index(sys.Content, "Title: Doc1")
	iBase := strings.Index(sys.Content, "You are a helpful assistant.")
	require.True(t, iDoc >= 0 && iTitle >= 0 && iBase >= 0)
	assert.Less(t, iDoc, iTitle)
	assert.Less(t, iTitle, iBase)
	last := mock.lastMessages[len(mock.lastMessages)-1]
	assert.Equal(t, model.ChatMessage{Role: model.RoleUser, Content: "What is the capital of France?"}, last)

	// 会话存储里留下定格的完整回答
	msgs, err := store.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Paris", msgs[1].Content)
	assert.ErrorIs(t, store.UpdateAssistantContent(ctx, msgs[1].ID, "Paris!"), ErrMessageFinalized)
}

func TestRunTurnEmptyRetrievalKeepsBasePrompt(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"ok"}}
	svc, store := newChatFixture(t, mock, &scriptedSearch{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	_, err := svc.RunTurn(ctx, conv.ID, "hello", nil)
	require.NoError(t, err)

	require.NotEmpty(t, mock.lastMessages)
	sys := mock.lastMessages[0]
	require.Equal(t, model.RoleSystem, sys.Role)
	// 无检索结果时基础提示词原样使用
	assert.Equal(t, "You are a helpful assistant.", sys.Content)
}

func TestRunTurnMidStreamFailurePreservesPartial(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"Par"}, streamErr: errors.New("model overloaded")}
	svc, store := newChatFixture(t, mock, &scriptedSearch{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	msg, err := svc.RunTurn(ctx, conv.ID, "question", nil)
	require.Error(t, err)
	assert.Equal(t, "Par", msg.Content)

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Par", msgs[1].Content)
	assert.ErrorIs(t, store.UpdateAssistantContent(ctx, msgs[1].ID, "Paris"), ErrMessageFinalized)
	assert.Equal(t, generationFailureNotice, msgs[2].Content)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
}

func TestRunTurnStopKeepsPartialWithoutNotice(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"Par", "is"}}
	svc, store := newChatFixture(t, mock, &scriptedSearch{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	msg, err := svc.RunTurn(ctx, conv.ID, "question", func(delta, total string) error {
		return ErrTurnStopped
	})
	require.NoError(t, err)
	assert.Equal(t, "Par", msg.Content)

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Par", msgs[1].Content)
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingLLM{started: started, release: release}
	store := NewConversationService(repository.NewMemoryStateRepository())
	svc := NewChatService(store, &scriptedSearch{}, blocking, &stubGate{}, ChatOptions{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunTurn(ctx, conv.ID, "first", nil)
		done <- err
	}()
	<-started

	_, err := svc.RunTurn(ctx, conv.ID, "second", nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(release)
	require.NoError(t, <-done)

	// 回合结束后锁释放
	_, err = svc.RunTurn(ctx, conv.ID, "third", nil)
	require.NoError(t, err)
}

type blockingLLM struct {
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (b *blockingLLM) Stream(ctx context.Context, messages []model.ChatMessage, onDelta llm.DeltaFunc) (string, error) {
	b.startOnce.Do(func() { close(b.started) })
	<-b.release
	if onDelta != nil {
		if err := onDelta("done", "done"); err != nil {
			return "", err
		}
	}
	return "done", nil
}

func (b *blockingLLM) Invoke(ctx context.Context, messages []model.ChatMessage) (string, error) {
	return "done", nil
}

func (b *blockingLLM) Ping(ctx context.Context) error { return nil }

func TestRunTurnRejectedWhenUnavailable(t *testing.T) {
	store := NewConversationService(repository.NewMemoryStateRepository())
	svc := NewChatService(store, &scriptedSearch{}, &scriptedLLM{}, &stubGate{err: ErrServiceUnavailable}, ChatOptions{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	_, err := svc.RunTurn(ctx, conv.ID, "question", nil)
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	// 拒绝发生在任何状态变更之前
	msgs, err := store.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRunTurnUnknownConversation(t *testing.T) {
	svc, _ := newChatFixture(t, &scriptedLLM{}, &scriptedSearch{})
	_, err := svc.RunTurn(context.Background(), "missing", "question", nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRunTurnConversationDeletedMidStream(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"one", "two"}}
	svc, store := newChatFixture(t, mock, &scriptedSearch{})
	ctx := context.Background()
	conv := store.ActiveConversation(ctx)

	_, err := svc.RunTurn(ctx, conv.ID, "question", func(delta, total string) error {
		// 第一个增量落库后删除会话, 下一次写回应失败并中止回合
		return store.DeleteConversation(ctx, conv.ID)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = store.ConversationMessages(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGenerateStateless(t *testing.T) {
	mock := &scriptedLLM{invokeText: "The answer."}
	search := &scriptedSearch{results: []model.RetrievedResult{{Content: "ctx snippet", Score: 0.9}}}
	svc, _ := newChatFixture(t, mock, search)
	ctx := context.Background()

	input := []model.ChatMessage{
		{Role: model.RoleSystem, Content: "Custom base prompt."},
		{Role: model.RoleUser, Content: "a question"},
	}

	// use_rag=false: 消息原样直通
	out, err := svc.Generate(ctx, input, false)
	require.NoError(t, err)
	assert.Equal(t, "The answer.", out)
	assert.Equal(t, input, mock.lastMessages)

	// use_rag=true: 调用方自带的系统消息作为基础提示词参与组装
	_, err = svc.Generate(ctx, input, true)
	require.NoError(t, err)
	assert.Equal(t, "a question", search.lastQuery)
	sys := mock.lastMessages[0]
	assert.Equal(t, model.RoleSystem, sys.Role)
	assert.Contains(t, sys.Content, "[Document 1]")
	assert.Contains(t, sys.Content, "Custom base prompt.")
	// 只有一条系统消息
	for _, m := range mock.lastMessages[1:] {
		assert.NotEqual(t, model.RoleSystem, m.Role)
	}
}

func TestGenerateStreamForwardsDeltas(t *testing.T) {
	mock := &scriptedLLM{deltas: []string{"He", "llo"}}
	svc, _ := newChatFixture(t, mock, &scriptedSearch{})

	var got []string
	out, err := svc.GenerateStream(context.Background(), []model.ChatMessage{
		{Role: model.RoleUser, Content: "hi"},
	}, false, func(delta, total string) error {
		got = append(got, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, []string{"He", "llo"}, got)
}

func TestRunTurnStreamTimeoutConfigured(t *testing.T) {
	// 默认回合参数齐备
	opts := DefaultChatOptions()
	assert.Equal(t, 20, opts.HistoryLimit)
	assert.Equal(t, 120*time.Second, opts.StreamTimeout)
	assert.Equal(t, 5, opts.Retrieve.Limit)
}
