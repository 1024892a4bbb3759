package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversationService(t *testing.T) (ConversationService, repository.StateRepository) {
	t.Helper()
	repo := repository.NewMemoryStateRepository()
	return NewConversationService(repo), repo
}

func TestFreshStartSynthesizesConversation(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	convs := svc.ListConversations(ctx)
	require.Len(t, convs, 1)
	assert.Equal(t, "New Conversation", convs[0].Title)
	assert.Empty(t, convs[0].MessageIDs)

	active := svc.ActiveConversation(ctx)
	assert.Equal(t, convs[0].ID, active.ID)
}

func TestAppendUserMessageDerivesTitle(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	long := "The quick brown fox jumps over the lazy dog near the river bank"
	msg, err := svc.AppendUserMessage(ctx, conv.ID, long)
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, long, msg.Content)

	got := svc.ActiveConversation(ctx)
	assert.Equal(t, "The quick brown fox jumps over...", got.Title)

	// 后续消息不再改写标题
	_, err = svc.AppendUserMessage(ctx, conv.ID, "another question entirely")
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox jumps over...", svc.ActiveConversation(ctx).Title)
}

func TestAppendUserMessageShortTitleKeptWhole(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	_, err := svc.AppendUserMessage(ctx, conv.ID, "Hello\nthere")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", svc.ActiveConversation(ctx).Title)
}

func TestAppendValidation(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	_, err := svc.AppendUserMessage(ctx, "no-such-conversation", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	conv := svc.ActiveConversation(ctx)
	_, err = svc.AppendUserMessage(ctx, conv.ID, "   \n  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestMessageOrderingAndSnapshotIsolation(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	_, err := svc.AppendUserMessage(ctx, conv.ID, "first question")
	require.NoError(t, err)
	ph, err := svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateAssistantContent(ctx, ph.ID, "first answer"))
	require.NoError(t, svc.FinalizeAssistantMessage(ctx, ph.ID))
	_, err = svc.AppendUserMessage(ctx, conv.ID, "second question")
	require.NoError(t, err)

	msgs, err := svc.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, "second question", msgs[2].Content)

	// 返回的是副本, 修改不影响内部状态
	msgs[1].Content = "tampered"
	again, err := svc.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first answer", again[1].Content)
}

func TestUpdateAssistantContentMonotonic(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	ph, err := svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateAssistantContent(ctx, ph.ID, "Hel"))
	require.NoError(t, svc.UpdateAssistantContent(ctx, ph.ID, "Hello"))

	assert.ErrorIs(t, svc.UpdateAssistantContent(ctx, ph.ID, "Hello"), ErrNonMonotonicUpdate)
	assert.ErrorIs(t, svc.UpdateAssistantContent(ctx, ph.ID, "He"), ErrNonMonotonicUpdate)
	assert.ErrorIs(t, svc.UpdateAssistantContent(ctx, ph.ID, "Goodbye entirely"), ErrNonMonotonicUpdate)

	msgs, err := svc.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestUpdateAfterFinalizeRejected(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	ph, err := svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateAssistantContent(ctx, ph.ID, "partial"))
	require.NoError(t, svc.FinalizeAssistantMessage(ctx, ph.ID))

	assert.ErrorIs(t, svc.UpdateAssistantContent(ctx, ph.ID, "partial plus"), ErrMessageFinalized)
	// 重复 Finalize 是空操作
	assert.NoError(t, svc.FinalizeAssistantMessage(ctx, ph.ID))

	assert.ErrorIs(t, svc.UpdateAssistantContent(ctx, "missing", "x"), ErrMessageNotFound)
}

func TestConversationsListedNewestFirst(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	first := svc.ActiveConversation(ctx)
	second, err := svc.StartNewConversation(ctx)
	require.NoError(t, err)
	third, err := svc.StartNewConversation(ctx)
	require.NoError(t, err)

	convs := svc.ListConversations(ctx)
	require.Len(t, convs, 3)
	assert.Equal(t, third.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
	assert.Equal(t, first.ID, convs[2].ID)
	assert.Equal(t, third.ID, svc.ActiveConversation(ctx).ID)
}

func TestDeleteConversationCollectsMessages(t *testing.T) {
	repo := repository.NewMemoryStateRepository()
	svc := NewConversationService(repo)
	ctx := context.Background()

	a := svc.ActiveConversation(ctx)
	_, err := svc.AppendUserMessage(ctx, a.ID, "kept message")
	require.NoError(t, err)

	b, err := svc.StartNewConversation(ctx)
	require.NoError(t, err)
	_, err = svc.AppendUserMessage(ctx, b.ID, "doomed message")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteConversation(ctx, b.ID))

	// 删除的是当前会话, 列表里最新的顶上
	assert.Equal(t, a.ID, svc.ActiveConversation(ctx).ID)
	_, err = svc.ConversationMessages(ctx, b.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// 消息对象也被回收, 持久化的集合里只剩 A 的消息
	data, err := repo.Get(ctx, repository.KeyMessages)
	require.NoError(t, err)
	var persisted []model.Message
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "kept message", persisted[0].Content)
}

func TestDeleteLastConversationSynthesizesReplacement(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	only := svc.ActiveConversation(ctx)
	require.NoError(t, svc.DeleteConversation(ctx, only.ID))

	convs := svc.ListConversations(ctx)
	require.Len(t, convs, 1)
	assert.NotEqual(t, only.ID, convs[0].ID)
	assert.Equal(t, "New Conversation", convs[0].Title)
	assert.Equal(t, convs[0].ID, svc.ActiveConversation(ctx).ID)
}

func TestDeleteInactiveKeepsActive(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	first := svc.ActiveConversation(ctx)
	second, err := svc.StartNewConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteConversation(ctx, first.ID))
	assert.Equal(t, second.ID, svc.ActiveConversation(ctx).ID)

	assert.ErrorIs(t, svc.DeleteConversation(ctx, "missing"), ErrConversationNotFound)
}

func TestSwitchConversation(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	first := svc.ActiveConversation(ctx)
	_, err := svc.StartNewConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.SwitchConversation(ctx, first.ID))
	assert.Equal(t, first.ID, svc.ActiveConversation(ctx).ID)

	assert.ErrorIs(t, svc.SwitchConversation(ctx, "missing"), ErrConversationNotFound)
}

func TestRenameAndClearConversation(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	_, err := svc.AppendUserMessage(ctx, conv.ID, "original topic")
	require.NoError(t, err)
	require.NoError(t, svc.RenameConversation(ctx, conv.ID, "Custom Title"))
	assert.Equal(t, "Custom Title", svc.ActiveConversation(ctx).Title)

	assert.ErrorIs(t, svc.RenameConversation(ctx, conv.ID, "  "), ErrEmptyTitle)

	// 清空保留标题, 只移除消息
	require.NoError(t, svc.ClearConversation(ctx, conv.ID))
	assert.Equal(t, "Custom Title", svc.ActiveConversation(ctx).Title)
	msgs, err := svc.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// 清空后的第一条消息重新推导标题
	_, err = svc.AppendUserMessage(ctx, conv.ID, "brand new topic")
	require.NoError(t, err)
	assert.Equal(t, "brand new topic", svc.ActiveConversation(ctx).Title)
}

func TestStateSurvivesRestart(t *testing.T) {
	repo := repository.NewMemoryStateRepository()
	ctx := context.Background()

	svc1 := NewConversationService(repo)
	conv := svc1.ActiveConversation(ctx)
	_, err := svc1.AppendUserMessage(ctx, conv.ID, "remember me")
	require.NoError(t, err)
	ph, err := svc1.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc1.UpdateAssistantContent(ctx, ph.ID, "the answer"))
	require.NoError(t, svc1.FinalizeAssistantMessage(ctx, ph.ID))
	require.NoError(t, svc1.AddUploadedFile(ctx, model.UploadedFileRecord{ID: "f1", Name: "report.pdf"}))

	svc2 := NewConversationService(repo)
	restored := svc2.ActiveConversation(ctx)
	assert.Equal(t, conv.ID, restored.ID)
	assert.Equal(t, "remember me", restored.Title)

	msgs, err := svc2.ConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "remember me", msgs[0].Content)
	assert.Equal(t, "the answer", msgs[1].Content)

	files := svc2.UploadedFiles(ctx)
	require.Len(t, files, 1)
	assert.Equal(t, "report.pdf", files[0].Name)

	// 重启后消息不再处于流式阶段
	assert.ErrorIs(t, svc2.UpdateAssistantContent(ctx, ph.ID, "the answer and more"), ErrMessageFinalized)
}

func TestLoadPrunesDanglingMessageRefs(t *testing.T) {
	repo := repository.NewMemoryStateRepository()
	ctx := context.Background()

	now := time.Now()
	convs := []model.Conversation{{
		ID:         "c1",
		Title:      "partially lost",
		CreatedAt:  now,
		UpdatedAt:  now,
		MessageIDs: []string{"m1", "m2"},
	}}
	msgs := []model.Message{{ID: "m1", Role: model.RoleUser, Content: "survivor", CreatedAt: now}}

	data, err := json.Marshal(convs)
	require.NoError(t, err)
	require.NoError(t, repo.Set(ctx, repository.KeyConversations, data))
	data, err = json.Marshal(msgs)
	require.NoError(t, err)
	require.NoError(t, repo.Set(ctx, repository.KeyMessages, data))
	data, err = json.Marshal("c1")
	require.NoError(t, err)
	require.NoError(t, repo.Set(ctx, repository.KeyActiveConversation, data))

	svc := NewConversationService(repo)
	got, err := svc.ConversationMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "survivor", got[0].Content)
	assert.Equal(t, "c1", svc.ActiveConversation(ctx).ID)
}

func TestObserverNotifications(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	var events []ChangeEvent
	cancel := svc.Subscribe(conv.ID, func(ev ChangeEvent) {
		events = append(events, ev)
	})

	msg, err := svc.AppendUserMessage(ctx, conv.ID, "watched")
	require.NoError(t, err)
	ph, err := svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateAssistantContent(ctx, ph.ID, "delta"))

	require.Len(t, events, 3)
	assert.Equal(t, conv.ID, events[0].ConversationID)
	assert.Equal(t, msg.ID, events[0].MessageID)
	assert.Equal(t, ph.ID, events[1].MessageID)
	assert.Equal(t, ph.ID, events[2].MessageID)

	cancel()
	_, err = svc.AppendUserMessage(ctx, conv.ID, "unwatched")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestUploadedFileRecords(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddUploadedFile(ctx, model.UploadedFileRecord{ID: "a", Name: "one.txt"}))
	require.NoError(t, svc.AddUploadedFile(ctx, model.UploadedFileRecord{ID: "b", Name: "two.txt"}))
	require.NoError(t, svc.RemoveUploadedFile(ctx, "a"))
	// 删除不存在的记录是空操作
	require.NoError(t, svc.RemoveUploadedFile(ctx, "ghost"))

	files := svc.UploadedFiles(ctx)
	require.Len(t, files, 1)
	assert.Equal(t, "two.txt", files[0].Name)
}

func TestHistoryWireSkipsPlaceholdersAndLimits(t *testing.T) {
	svc, _ := newTestConversationService(t)
	ctx := context.Background()
	conv := svc.ActiveConversation(ctx)

	_, err := svc.AppendUserMessage(ctx, conv.ID, "q1")
	require.NoError(t, err)
	done, err := svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateAssistantContent(ctx, done.ID, "a1"))
	require.NoError(t, svc.FinalizeAssistantMessage(ctx, done.ID))
	_, err = svc.AppendUserMessage(ctx, conv.ID, "q2")
	require.NoError(t, err)
	_, err = svc.AppendAssistantPlaceholder(ctx, conv.ID)
	require.NoError(t, err)

	wire, err := svc.HistoryWire(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, wire, 2)
	assert.Equal(t, model.ChatMessage{Role: model.RoleAssistant, Content: "a1"}, wire[0])
	assert.Equal(t, model.ChatMessage{Role: model.RoleUser, Content: "q2"}, wire[1])

	all, err := svc.HistoryWire(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
