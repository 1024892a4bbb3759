package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"ragchat-go/internal/model"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/log"

	"github.com/google/uuid"
)

// 图片接入的大小上限。
const maxImageBytes = 5 * 1024 * 1024

// 允许接入的图片 MIME 类型。
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// 图片相关的业务错误。
var (
	ErrEmptyImage           = errors.New("image content is empty")
	ErrImageTooLarge        = fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	ErrUnsupportedImageType = errors.New("unsupported image type")
)

// ImageIndex 是图片接入需要的索引能力子集。
type ImageIndex interface {
	IndexImage(ctx context.Context, doc model.ImageDocument) error
	DeleteImage(ctx context.Context, imageID string) error
}

// ImageService 管理图片的接入、检索与删除。图片以 base64 连同多模态
// 向量一起存入图片索引，不走异步管道。
type ImageService interface {
	UploadImage(ctx context.Context, fileName, contentType string, size int64, file io.Reader, caption string) (string, error)
	SearchByText(ctx context.Context, query string, opts RetrieveOptions) ([]model.ImageResult, error)
	SearchSimilar(ctx context.Context, contentType string, size int64, file io.Reader, opts RetrieveOptions) ([]model.ImageResult, error)
	DeleteImage(ctx context.Context, imageID string) error
}

type imageService struct {
	embeddingClient embedding.Client
	index           ImageIndex
	search          SearchService
	modelVersion    string
}

// NewImageService 创建图片服务，modelVersion 记录多模态向量模型版本。
func NewImageService(embeddingClient embedding.Client, index ImageIndex, search SearchService, modelVersion string) ImageService {
	return &imageService{
		embeddingClient: embeddingClient,
		index:           index,
		search:          search,
		modelVersion:    modelVersion,
	}
}

// UploadImage 校验并接入一张图片，返回图片 ID。
func (s *imageService) UploadImage(ctx context.Context, fileName, contentType string, size int64, file io.Reader, caption string) (string, error) {
	data, err := s.readImage(contentType, size, file)
	if err != nil {
		return "", err
	}

	imageBase64 := base64.StdEncoding.EncodeToString(data)
	vector, err := s.embeddingClient.CreateImageEmbedding(ctx, imageBase64)
	if err != nil {
		log.Errorf("[ImageService] 图片向量化失败, 文件: %s, Error: %v", fileName, err)
		return "", fmt.Errorf("图片向量化失败: %w", err)
	}

	imageID := uuid.New().String()
	doc := model.ImageDocument{
		ImageID:      imageID,
		FileName:     filepath.Base(fileName),
		ContentType:  contentType,
		Caption:      caption,
		ImageBase64:  imageBase64,
		Vector:       vector,
		ModelVersion: s.modelVersion,
	}
	if err := s.index.IndexImage(ctx, doc); err != nil {
		log.Errorf("[ImageService] 索引图片失败, ImageID: %s, Error: %v", imageID, err)
		return "", fmt.Errorf("索引图片失败: %w", err)
	}
	log.Infof("[ImageService] 图片接入成功, ImageID: %s, 文件: %s, 大小: %d 字节", imageID, doc.FileName, len(data))
	return imageID, nil
}

// SearchByText 用文本描述检索图片。
func (s *imageService) SearchByText(ctx context.Context, query string, opts RetrieveOptions) ([]model.ImageResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyMessage
	}
	return s.search.RetrieveImagesByText(ctx, query, opts)
}

// SearchSimilar 用一张图片检索相似图片。
func (s *imageService) SearchSimilar(ctx context.Context, contentType string, size int64, file io.Reader, opts RetrieveOptions) ([]model.ImageResult, error) {
	data, err := s.readImage(contentType, size, file)
	if err != nil {
		return nil, err
	}
	return s.search.RetrieveSimilarImages(ctx, base64.StdEncoding.EncodeToString(data), opts)
}

// DeleteImage 从索引中删除一张图片。
func (s *imageService) DeleteImage(ctx context.Context, imageID string) error {
	if err := s.index.DeleteImage(ctx, imageID); err != nil {
		return err
	}
	log.Infof("[ImageService] 图片已删除, ImageID: %s", imageID)
	return nil
}

// readImage 校验类型与大小并读入全部图片字节。
// 声明的大小不可信, 读取时再次限制上限。
func (s *imageService) readImage(contentType string, size int64, file io.Reader) ([]byte, error) {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !allowedImageTypes[mediaType] {
		return nil, ErrUnsupportedImageType
	}
	if size > maxImageBytes {
		return nil, ErrImageTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取图片内容失败: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if len(data) > maxImageBytes {
		return nil, ErrImageTooLarge
	}
	return data, nil
}
