package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	tasks []tasks.IngestTask
	err   error
}

func (f *fakeQueue) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeObjects struct {
	data map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	b, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.data[objectName] = b
	return nil
}

func (f *fakeObjects) Remove(ctx context.Context, objectName string) error {
	delete(f.data, objectName)
	return nil
}

func (f *fakeObjects) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	return "https://minio.local/" + objectName, nil
}

type fakeIndexAdmin struct {
	counts  map[string]int
	deleted []string
}

func newFakeIndexAdmin() *fakeIndexAdmin {
	return &fakeIndexAdmin{counts: make(map[string]int)}
}

func (f *fakeIndexAdmin) DeleteChunksBySource(ctx context.Context, sourceID string) error {
	f.deleted = append(f.deleted, sourceID)
	delete(f.counts, sourceID)
	return nil
}

func (f *fakeIndexAdmin) CountChunksBySource(ctx context.Context, sourceID string) (int, error) {
	return f.counts[sourceID], nil
}

type fakeAttempts struct {
	counts map[string]int64
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{counts: make(map[string]int64)}
}

func (f *fakeAttempts) Count(ctx context.Context, sourceID string) (int64, error) {
	return f.counts[sourceID], nil
}

type memChunkRepo struct {
	records []*model.ChunkRecord
}

func (m *memChunkRepo) BatchCreate(records []*model.ChunkRecord) error {
	m.records = append(m.records, records...)
	return nil
}

func (m *memChunkRepo) FindBySourceID(sourceID string) ([]*model.ChunkRecord, error) {
	var out []*model.ChunkRecord
	for _, r := range m.records {
		if r.SourceID == sourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memChunkRepo) CountBySourceID(sourceID string) (int64, error) {
	var n int64
	for _, r := range m.records {
		if r.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (m *memChunkRepo) DeleteBySourceID(sourceID string) error {
	kept := m.records[:0]
	for _, r := range m.records {
		if r.SourceID != sourceID {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

type ingestFixture struct {
	svc      IngestService
	store    ConversationService
	queue    *fakeQueue
	objects  *fakeObjects
	index    *fakeIndexAdmin
	attempts *fakeAttempts
	repo     *memChunkRepo
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		store:    NewConversationService(repository.NewMemoryStateRepository()),
		queue:    &fakeQueue{},
		objects:  newFakeObjects(),
		index:    newFakeIndexAdmin(),
		attempts: newFakeAttempts(),
		repo:     &memChunkRepo{},
	}
	f.svc = NewIngestService(f.store, f.repo, f.index, f.queue, f.objects, f.attempts)
	return f
}

func TestIngestTextProducesTaskAndRecord(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	record, err := f.svc.IngestText(ctx, "机器学习入门", "一份介绍", "机器学习是人工智能的一个分支。")
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "机器学习入门", record.Name)
	assert.Equal(t, "text/plain", record.Type)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, record.ID, task.SourceID)
	assert.Equal(t, "text", task.SourceTag)
	assert.Equal(t, "机器学习是人工智能的一个分支。", task.Text)
	assert.Equal(t, "documents/"+record.ID+"/content.txt", task.ObjectName)

	// 原文落到对象存储, 上传记录进入状态存储
	assert.Equal(t, []byte("机器学习是人工智能的一个分支。"), f.objects.data[task.ObjectName])
	files := f.svc.ListDocuments(ctx)
	require.Len(t, files, 1)
	assert.Equal(t, record.ID, files[0].ID)
}

func TestIngestTextValidation(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.svc.IngestText(ctx, "t", "", "   \n ")
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = f.svc.IngestText(ctx, "t", "", strings.Repeat("a", maxTextChars+1))
	assert.ErrorIs(t, err, ErrTextTooLarge)

	assert.Empty(t, f.queue.tasks)
	assert.Empty(t, f.objects.data)
}

func TestIngestFileValidation(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.svc.IngestFile(ctx, "a.pdf", "application/pdf", 0, strings.NewReader(""), "", "")
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = f.svc.IngestFile(ctx, "a.pdf", "application/pdf", maxFileBytes+1, strings.NewReader("x"), "", "")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestIngestFileSanitizesObjectName(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	record, err := f.svc.IngestFile(ctx, "../../etc/passwd", "text/plain", 4, strings.NewReader("data"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "passwd", record.Name)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, "documents/"+record.ID+"/passwd", task.ObjectName)
	assert.Equal(t, "file", task.SourceTag)
	assert.Empty(t, task.Text)
	assert.Contains(t, f.objects.data, task.ObjectName)
}

func TestIngestQueueFailureRollsBack(t *testing.T) {
	f := newIngestFixture(t)
	f.queue.err = errors.New("broker unreachable")
	ctx := context.Background()

	_, err := f.svc.IngestText(ctx, "t", "", "some content")
	require.Error(t, err)

	// 入队失败时不留下半成品: 对象回滚, 记录不登记
	assert.Empty(t, f.objects.data)
	assert.Empty(t, f.svc.ListDocuments(ctx))
}

func TestDocumentStatusLifecycle(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	record, err := f.svc.IngestText(ctx, "t", "", "content for status")
	require.NoError(t, err)
	id := record.ID

	// 刚入队: 排队中
	status, err := f.svc.DocumentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusPending, status.Status)
	assert.Equal(t, 0, status.ChunkCount)

	// 消费端失败过一次: 重试中
	f.attempts.counts[id] = 1
	status, err = f.svc.DocumentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusProcessing, status.Status)

	// 达到放弃阈值: 失败
	f.attempts.counts[id] = 3
	status, err = f.svc.DocumentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusFailed, status.Status)

	// 分块已登记但索引未跟上: 处理中
	require.NoError(t, f.repo.BatchCreate([]*model.ChunkRecord{
		{SourceID: id, ChunkIndex: 0, ChunkUID: id + "_0"},
		{SourceID: id, ChunkIndex: 1, ChunkUID: id + "_1"},
		{SourceID: id, ChunkIndex: 2, ChunkUID: id + "_2"},
	}))
	f.index.counts[id] = 1
	status, err = f.svc.DocumentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusProcessing, status.Status)
	assert.Equal(t, 3, status.ChunkCount)

	// 索引齐全: 完成
	f.index.counts[id] = 3
	status, err = f.svc.DocumentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusCompleted, status.Status)
}

func TestDocumentStatusUnknown(t *testing.T) {
	f := newIngestFixture(t)
	_, err := f.svc.DocumentStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocumentTearsDownEverything(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	record, err := f.svc.IngestText(ctx, "t", "", "content to delete")
	require.NoError(t, err)
	id := record.ID
	require.NoError(t, f.repo.BatchCreate([]*model.ChunkRecord{{SourceID: id, ChunkUID: id + "_0"}}))
	f.index.counts[id] = 1

	require.NoError(t, f.svc.DeleteDocument(ctx, id))

	assert.Contains(t, f.index.deleted, id)
	count, err := f.repo.CountBySourceID(id)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.objects.data)
	assert.Empty(t, f.svc.ListDocuments(ctx))
}

func TestDeleteDocumentUnknown(t *testing.T) {
	f := newIngestFixture(t)
	err := f.svc.DeleteDocument(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
