// Package pipeline 定义了文档接入处理的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/storage"
	"ragchat-go/pkg/tasks"
	"ragchat-go/pkg/tika"
)

// Processor 封装了文档接入的所有依赖和逻辑。
type Processor struct {
	tikaClient      *tika.Client
	embeddingClient embedding.Client
	esClient        *es.Client
	store           *storage.Client
	chunkRepo       repository.ChunkRepository
	embeddingCfg    config.EmbeddingConfig
	chunkOpts       ChunkOptions
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	tikaClient *tika.Client,
	embeddingClient embedding.Client,
	esClient *es.Client,
	store *storage.Client,
	chunkRepo repository.ChunkRepository,
	embeddingCfg config.EmbeddingConfig,
	ragCfg config.RAGConfig,
) *Processor {
	opts := DefaultChunkOptions()
	if ragCfg.ChunkSize > 0 {
		opts.ChunkSize = ragCfg.ChunkSize
	}
	if ragCfg.ChunkOverlap > 0 {
		opts.ChunkOverlap = ragCfg.ChunkOverlap
	}
	opts.PreserveParagraphs = ragCfg.PreserveParagraphs
	return &Processor{
		tikaClient:      tikaClient,
		embeddingClient: embeddingClient,
		esClient:        esClient,
		store:           store,
		chunkRepo:       chunkRepo,
		embeddingCfg:    embeddingCfg,
		chunkOpts:       opts,
	}
}

// Process 是文档接入的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理文档, SourceID: %s, FileName: %s", task.SourceID, task.FileName)

	// 1. 拿到纯文本：文本任务直接携带内容，文件任务从对象存储取回后经 Tika 提取
	text := task.Text
	if text == "" {
		extracted, err := p.extractFromObject(ctx, task)
		if err != nil {
			return err
		}
		text = extracted
	}
	log.Infof("[Processor] 步骤1: 文本就绪, 长度: %d 字符", utf8.RuneCountInString(text))

	// 2. 文本切块
	log.Infof("[Processor] 步骤2: 进行文本分块, chunkSize: %d, chunkOverlap: %d", p.chunkOpts.ChunkSize, p.chunkOpts.ChunkOverlap)
	chunks, err := ChunkText(text, p.chunkOpts)
	if err != nil {
		log.Errorf("[Processor] 文本分块失败, SourceID: %s, Error: %v", task.SourceID, err)
		return fmt.Errorf("文本分块失败: %w", err)
	}
	if len(chunks) == 0 {
		log.Warnf("[Processor] 未生成任何文本分块, 处理中止, SourceID: %s", task.SourceID)
		return errors.New("未生成任何文本分块")
	}
	log.Infof("[Processor] 步骤2: 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 为避免重复处理导致的累计膨胀，先清理该来源既有的分块（幂等）
	if err := p.esClient.DeleteChunksBySource(ctx, task.SourceID); err != nil {
		log.Warnf("[Processor] 清理 Elasticsearch 旧分块失败 (source_id=%s): %v", task.SourceID, err)
	}
	if err := p.chunkRepo.DeleteBySourceID(task.SourceID); err != nil {
		log.Warnf("[Processor] 清理分块登记表旧记录失败 (source_id=%s): %v", task.SourceID, err)
	}

	// 阶段一：将分块文本和元数据存入数据库
	log.Info("[Processor] 阶段一: 开始将分块文本存入数据库")
	records := make([]*model.ChunkRecord, 0, len(chunks))
	for i, chunk := range chunks {
		records = append(records, &model.ChunkRecord{
			SourceID:     task.SourceID,
			ChunkIndex:   i,
			ChunkUID:     fmt.Sprintf("%s_%d", task.SourceID, i),
			Content:      chunk,
			Title:        task.Title,
			SourceTag:    task.SourceTag,
			ModelVersion: p.embeddingCfg.Model,
		})
	}
	if err := p.chunkRepo.BatchCreate(records); err != nil {
		log.Errorf("[Processor] 阶段一: 批量保存文本分块到数据库失败, Error: %v", err)
		return fmt.Errorf("批量保存文本分块失败: %w", err)
	}
	log.Infof("[Processor] 阶段一: 成功将 %d 个分块存入数据库", len(records))

	// 阶段二：从数据库读取，进行向量化，然后索引到ES
	log.Info("[Processor] 阶段二: 开始从数据库读取分块并进行向量化")
	saved, err := p.chunkRepo.FindBySourceID(task.SourceID)
	if err != nil {
		log.Errorf("[Processor] 阶段二: 从数据库读取分块失败, SourceID: %s, Error: %v", task.SourceID, err)
		return fmt.Errorf("从数据库读取分块失败: %w", err)
	}

	for i, record := range saved {
		log.Infof("[Processor] 正在处理分块 %d/%d, ChunkUID: %s", i+1, len(saved), record.ChunkUID)
		vector, err := p.embeddingClient.CreateEmbedding(ctx, record.Content)
		if err != nil {
			log.Errorf("[Processor] 分块 %d 向量化失败, Error: %v", record.ChunkIndex, err)
			return fmt.Errorf("块 %d 向量化失败: %w", record.ChunkIndex, err)
		}

		doc := model.ChunkDocument{
			ChunkUID:     record.ChunkUID,
			SourceID:     record.SourceID,
			ChunkIndex:   record.ChunkIndex,
			TotalChunks:  len(saved),
			Title:        record.Title,
			SourceTag:    record.SourceTag,
			Content:      record.Content,
			Vector:       vector,
			ModelVersion: record.ModelVersion,
		}
		if err := p.esClient.IndexChunk(ctx, doc); err != nil {
			log.Errorf("[Processor] 索引分块 %d 到Elasticsearch失败, Error: %v", record.ChunkIndex, err)
			return fmt.Errorf("索引块 %d 到 Elasticsearch 失败: %w", record.ChunkIndex, err)
		}
	}
	log.Infof("[Processor] 文档处理成功完成, SourceID: %s, 共 %d 个分块", task.SourceID, len(saved))
	return nil
}

// extractFromObject 从对象存储取回原始文件并用 Tika 提取文本。
func (p *Processor) extractFromObject(ctx context.Context, task tasks.IngestTask) (string, error) {
	log.Infof("[Processor] 从对象存储取回文件, Object: %s", task.ObjectName)
	object, err := p.store.Get(ctx, task.ObjectName)
	if err != nil {
		log.Errorf("[Processor] 取回文件失败, Object: %s, Error: %v", task.ObjectName, err)
		return "", fmt.Errorf("从对象存储取回文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		log.Errorf("[Processor] 读取对象流失败, Error: %v", err)
		return "", fmt.Errorf("读取对象流失败: %w", err)
	}
	if size == 0 {
		log.Warnf("[Processor] 文件 '%s' 内容为空, 处理中止", task.FileName)
		return "", errors.New("文件内容为空")
	}

	textContent, err := p.tikaClient.ExtractText(bytes.NewReader(buf.Bytes()), task.FileName)
	if err != nil {
		log.Errorf("[Processor] 使用Tika提取文本失败, FileName: %s, Error: %v", task.FileName, err)
		return "", fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if textContent == "" {
		log.Warnf("[Processor] Tika提取的文本内容为空, 处理中止, FileName: %s", task.FileName)
		return "", errors.New("提取的文本内容为空")
	}
	return textContent, nil
}
