package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/tasks"

	"github.com/google/uuid"
)

// 接入内容的上限。
const (
	maxTextChars = 100000
	maxFileBytes = 5 * 1024 * 1024
)

// 文档接入相关的业务错误。
var (
	ErrEmptyDocument    = errors.New("document content is empty")
	ErrTextTooLarge     = fmt.Errorf("document text exceeds %d characters", maxTextChars)
	ErrFileTooLarge     = fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	ErrDocumentNotFound = errors.New("document not found")
)

// 判定任务已放弃的失败次数阈值，与消费端的重试上限一致。
const abandonedAttempts = 3

// ChunkIndexAdmin 是接入路径需要的向量索引管理能力子集。
type ChunkIndexAdmin interface {
	DeleteChunksBySource(ctx context.Context, sourceID string) error
	CountChunksBySource(ctx context.Context, sourceID string) (int, error)
}

// IngestQueue 投递接入任务。
type IngestQueue interface {
	ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// ObjectStore 是接入路径需要的对象存储能力子集。
type ObjectStore interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, objectName string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// AttemptSource 读取接入任务的失败计数。
type AttemptSource interface {
	Count(ctx context.Context, sourceID string) (int64, error)
}

// DocumentInfo 是上传记录面向前端的形式，时间统一展示为 "YYYY-MM-DD HH:MM:SS"。
type DocumentInfo struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	URL        string          `json:"url"`
	UploadedAt model.LocalTime `json:"uploadedAt"`
}

// IngestService 是文档接入的业务入口：校验输入、保存原始内容、
// 登记上传记录并把处理任务投递给异步管道。
type IngestService interface {
	IngestText(ctx context.Context, title, description, text string) (model.UploadedFileRecord, error)
	IngestFile(ctx context.Context, fileName, contentType string, size int64, file io.Reader, title, description string) (model.UploadedFileRecord, error)
	ListDocuments(ctx context.Context) []DocumentInfo
	DocumentStatus(ctx context.Context, sourceID string) (model.DocumentStatus, error)
	DeleteDocument(ctx context.Context, sourceID string) error
}

type ingestService struct {
	store     ConversationService
	chunkRepo repository.ChunkRepository
	index     ChunkIndexAdmin
	queue     IngestQueue
	objects   ObjectStore
	attempts  AttemptSource
}

// NewIngestService 创建文档接入服务。
func NewIngestService(
	store ConversationService,
	chunkRepo repository.ChunkRepository,
	index ChunkIndexAdmin,
	queue IngestQueue,
	objects ObjectStore,
	attempts AttemptSource,
) IngestService {
	return &ingestService{
		store:     store,
		chunkRepo: chunkRepo,
		index:     index,
		queue:     queue,
		objects:   objects,
		attempts:  attempts,
	}
}

// IngestText 接入一段纯文本。原文同样落到对象存储，内容随任务直达管道。
func (s *ingestService) IngestText(ctx context.Context, title, description, text string) (model.UploadedFileRecord, error) {
	if strings.TrimSpace(text) == "" {
		return model.UploadedFileRecord{}, ErrEmptyDocument
	}
	if utf8.RuneCountInString(text) > maxTextChars {
		return model.UploadedFileRecord{}, ErrTextTooLarge
	}

	sourceID := uuid.New().String()
	if title == "" {
		title = "未命名文档"
	}
	objectName := fmt.Sprintf("documents/%s/content.txt", sourceID)
	log.Infof("[IngestService] 接入文本文档, SourceID: %s, 标题: %s, 长度: %d 字符", sourceID, title, utf8.RuneCountInString(text))

	if err := s.objects.Put(ctx, objectName, strings.NewReader(text), int64(len(text)), "text/plain; charset=utf-8"); err != nil {
		log.Errorf("[IngestService] 保存原始文本到对象存储失败, SourceID: %s, Error: %v", sourceID, err)
		return model.UploadedFileRecord{}, fmt.Errorf("保存原始文本失败: %w", err)
	}

	task := tasks.IngestTask{
		SourceID:    sourceID,
		Title:       title,
		Description: description,
		SourceTag:   "text",
		ObjectName:  objectName,
		FileName:    "content.txt",
		Text:        text,
	}
	if err := s.queue.ProduceIngestTask(ctx, task); err != nil {
		log.Errorf("[IngestService] 投递接入任务失败, SourceID: %s, Error: %v", sourceID, err)
		if rmErr := s.objects.Remove(ctx, objectName); rmErr != nil {
			log.Warnf("[IngestService] 回滚原始文本对象失败: %v", rmErr)
		}
		return model.UploadedFileRecord{}, fmt.Errorf("投递接入任务失败: %w", err)
	}

	record := model.UploadedFileRecord{
		ID:         sourceID,
		Name:       title,
		Type:       "text/plain",
		URL:        objectName,
		UploadedAt: time.Now(),
	}
	if err := s.store.AddUploadedFile(ctx, record); err != nil {
		log.Errorf("[IngestService] 登记上传记录失败, SourceID: %s, Error: %v", sourceID, err)
	}
	log.Infof("[IngestService] 文本文档已入队, SourceID: %s", sourceID)
	return record, nil
}

// IngestFile 接入一个文件。原始文件落到对象存储，由管道取回并提取文本。
func (s *ingestService) IngestFile(ctx context.Context, fileName, contentType string, size int64, file io.Reader, title, description string) (model.UploadedFileRecord, error) {
	if size <= 0 {
		return model.UploadedFileRecord{}, ErrEmptyDocument
	}
	if size > maxFileBytes {
		return model.UploadedFileRecord{}, ErrFileTooLarge
	}

	sourceID := uuid.New().String()
	baseName := filepath.Base(fileName)
	if baseName == "." || baseName == "/" || baseName == "" {
		baseName = "upload.bin"
	}
	if title == "" {
		title = baseName
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectName := fmt.Sprintf("documents/%s/%s", sourceID, baseName)
	log.Infof("[IngestService] 接入文件, SourceID: %s, 文件名: %s, 大小: %d 字节", sourceID, baseName, size)

	if err := s.objects.Put(ctx, objectName, file, size, contentType); err != nil {
		log.Errorf("[IngestService] 上传文件到对象存储失败, SourceID: %s, Error: %v", sourceID, err)
		return model.UploadedFileRecord{}, fmt.Errorf("上传文件失败: %w", err)
	}

	task := tasks.IngestTask{
		SourceID:    sourceID,
		Title:       title,
		Description: description,
		SourceTag:   "file",
		ObjectName:  objectName,
		FileName:    baseName,
	}
	if err := s.queue.ProduceIngestTask(ctx, task); err != nil {
		log.Errorf("[IngestService] 投递接入任务失败, SourceID: %s, Error: %v", sourceID, err)
		if rmErr := s.objects.Remove(ctx, objectName); rmErr != nil {
			log.Warnf("[IngestService] 回滚原始文件对象失败: %v", rmErr)
		}
		return model.UploadedFileRecord{}, fmt.Errorf("投递接入任务失败: %w", err)
	}

	record := model.UploadedFileRecord{
		ID:         sourceID,
		Name:       baseName,
		Type:       contentType,
		URL:        objectName,
		UploadedAt: time.Now(),
	}
	if err := s.store.AddUploadedFile(ctx, record); err != nil {
		log.Errorf("[IngestService] 登记上传记录失败, SourceID: %s, Error: %v", sourceID, err)
	}
	log.Infof("[IngestService] 文件已入队, SourceID: %s", sourceID)
	return record, nil
}

// ListDocuments 返回全部上传记录，对象名转换为带时效的下载链接。
func (s *ingestService) ListDocuments(ctx context.Context) []DocumentInfo {
	records := s.store.UploadedFiles(ctx)
	out := make([]DocumentInfo, 0, len(records))
	for _, r := range records {
		url := r.URL
		if signed, err := s.objects.PresignedURL(ctx, r.URL, time.Hour); err == nil {
			url = signed
		}
		out = append(out, DocumentInfo{
			ID:         r.ID,
			Name:       r.Name,
			Type:       r.Type,
			URL:        url,
			UploadedAt: model.LocalTime(r.UploadedAt),
		})
	}
	return out
}

// DocumentStatus 汇报一个文档在接入管道中的进度。
// 登记表与索引的分块数一致即完成；没有分块时由失败计数区分
// 排队中、重试中与已放弃。
func (s *ingestService) DocumentStatus(ctx context.Context, sourceID string) (model.DocumentStatus, error) {
	record := s.findRecord(ctx, sourceID)

	count, err := s.chunkRepo.CountBySourceID(sourceID)
	if err != nil {
		return model.DocumentStatus{}, fmt.Errorf("查询分块登记表失败: %w", err)
	}
	if record == nil && count == 0 {
		return model.DocumentStatus{}, ErrDocumentNotFound
	}

	status := model.DocumentStatus{SourceID: sourceID, ChunkCount: int(count)}
	if count > 0 {
		indexed, err := s.index.CountChunksBySource(ctx, sourceID)
		if err != nil {
			// 索引暂时不可达时按处理中报告, 不让状态查询失败
			log.Warnf("[IngestService] 查询索引分块数失败, SourceID: %s: %v", sourceID, err)
			status.Status = model.IngestStatusProcessing
			return status, nil
		}
		if indexed >= int(count) {
			status.Status = model.IngestStatusCompleted
		} else {
			status.Status = model.IngestStatusProcessing
		}
		return status, nil
	}

	attempts, err := s.attempts.Count(ctx, sourceID)
	if err != nil {
		log.Warnf("[IngestService] 读取失败计数失败, SourceID: %s: %v", sourceID, err)
		attempts = 0
	}
	switch {
	case attempts >= abandonedAttempts:
		status.Status = model.IngestStatusFailed
	case attempts > 0:
		status.Status = model.IngestStatusProcessing
	default:
		status.Status = model.IngestStatusPending
	}
	return status, nil
}

// DeleteDocument 删除一个文档的全部痕迹：索引分块、登记表记录、
// 原始对象与上传记录。尽力清理所有存储，返回首个遇到的错误。
func (s *ingestService) DeleteDocument(ctx context.Context, sourceID string) error {
	record := s.findRecord(ctx, sourceID)
	count, err := s.chunkRepo.CountBySourceID(sourceID)
	if err != nil {
		return fmt.Errorf("查询分块登记表失败: %w", err)
	}
	if record == nil && count == 0 {
		return ErrDocumentNotFound
	}
	log.Infof("[IngestService] 删除文档, SourceID: %s, 登记分块数: %d", sourceID, count)

	var firstErr error
	if err := s.index.DeleteChunksBySource(ctx, sourceID); err != nil {
		log.Errorf("[IngestService] 删除索引分块失败, SourceID: %s: %v", sourceID, err)
		firstErr = err
	}
	if err := s.chunkRepo.DeleteBySourceID(sourceID); err != nil {
		log.Errorf("[IngestService] 删除登记表记录失败, SourceID: %s: %v", sourceID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if record != nil && record.URL != "" {
		if err := s.objects.Remove(ctx, record.URL); err != nil {
			log.Errorf("[IngestService] 删除原始对象失败, SourceID: %s: %v", sourceID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.store.RemoveUploadedFile(ctx, sourceID); err != nil {
		log.Errorf("[IngestService] 删除上传记录失败, SourceID: %s: %v", sourceID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *ingestService) findRecord(ctx context.Context, sourceID string) *model.UploadedFileRecord {
	for _, r := range s.store.UploadedFiles(ctx) {
		if r.ID == sourceID {
			return &r
		}
	}
	return nil
}
