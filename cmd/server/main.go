// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/config"
	"ragchat-go/internal/handler"
	"ragchat-go/internal/middleware"
	"ragchat-go/internal/pipeline"
	"ragchat-go/internal/repository"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/database"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/kafka"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/storage"
	"ragchat-go/pkg/tika"
	"ragchat-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储、向量索引和 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	minioClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Errorf("MinIO 初始化失败 %s", err)
		return
	}
	esClient, err := es.NewClient(cfg.Elasticsearch, cfg.Embedding.Dimensions)
	if err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	producer := kafka.NewProducer(cfg.Kafka)
	attemptStore := kafka.NewAttemptStore(database.RDB)

	// 4. 初始化 Repository
	chunkRepo := repository.NewChunkRepository(database.DB)
	stateRepo := repository.NewStateRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.StreamTokenExpireMinutes)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	searchService := service.NewSearchService(embeddingClient, esClient)
	conversationService := service.NewConversationService(stateRepo)
	healthService := service.NewHealthService(esClient, llmClient, service.HealthOptions{
		MaxAttempts:  cfg.Health.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Health.BackoffBaseMillis) * time.Millisecond,
		ProbeTimeout: time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second,
		CacheTTL:     time.Duration(cfg.Health.CacheTTLSeconds) * time.Second,
	})
	chatService := service.NewChatService(conversationService, searchService, llmClient, healthService, service.ChatOptions{
		SystemPrompt:  cfg.RAG.SystemPrompt,
		HistoryLimit:  cfg.Chat.HistoryLimit,
		StreamTimeout: time.Duration(cfg.Chat.StreamTimeoutSeconds) * time.Second,
		Retrieve: service.RetrieveOptions{
			Limit:    cfg.RAG.TopK,
			MinScore: cfg.RAG.MinScore,
		},
	})
	ingestService := service.NewIngestService(conversationService, chunkRepo, esClient, producer, minioClient, attemptStore)
	imageService := service.NewImageService(embeddingClient, esClient, searchService, cfg.Embedding.MultimodalModel)

	// 6. 初始化文档处理管道 (Processor)
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		esClient,
		minioClient,
		chunkRepo,
		cfg.Embedding,
		cfg.RAG,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor, attemptStore)

	// 7.1 启动时探活一次并按需建立索引结构，失败只降级不阻塞启动
	go func() {
		status := healthService.Check(context.Background())
		if status.Degraded() {
			log.Warnf("依赖服务降级: vectorStore=%v generation=%v schema=%v",
				status.VectorStoreUp, status.GenerationServiceUp, status.SchemaInitialized)
		}
		if status.VectorStoreUp && !status.SchemaInitialized {
			if err := healthService.EnsureSchema(context.Background()); err != nil {
				log.Warnf("初始化索引结构失败: %v", err)
			}
		}
	}()

	// 7.2 初始化导入 seeds 目录：通过标准接入流程入库（已导入则跳过）
	initCtx, cancelInit := context.WithCancel(context.Background())
	defer cancelInit()
	go initSeedDocuments(initCtx, "seeds", ingestService)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	chatHandler := handler.NewChatHandler(chatService, conversationService, jwtManager)
	conversationHandler := handler.NewConversationHandler(conversationService)
	documentHandler := handler.NewDocumentHandler(ingestService)
	imageHandler := handler.NewImageHandler(imageService)
	searchHandler := handler.NewSearchHandler(searchService)
	healthHandler := handler.NewHealthHandler(healthService)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.GET("/health", healthHandler.Check)

		// Conversation 路由组
		conversations := apiV1.Group("/conversations")
		{
			conversations.GET("", conversationHandler.GetConversations)
			conversations.POST("", conversationHandler.CreateConversation)
			conversations.GET("/active", conversationHandler.GetActiveConversation)
			conversations.POST("/:id/activate", conversationHandler.ActivateConversation)
			conversations.DELETE("/:id", conversationHandler.DeleteConversation)
			conversations.PUT("/:id/title", conversationHandler.RenameConversation)
			conversations.POST("/:id/clear", conversationHandler.ClearConversation)
			conversations.GET("/:id/messages", conversationHandler.GetMessages)
		}

		// Document 路由组，请求体限制覆盖最大文件加表单开销
		documents := apiV1.Group("/documents")
		documents.Use(middleware.BodyLimit(8 << 20))
		{
			documents.POST("/text", documentHandler.IngestText)
			documents.POST("/file", documentHandler.IngestFile)
			documents.GET("", documentHandler.ListDocuments)
			documents.GET("/:sourceId/status", documentHandler.GetStatus)
			documents.DELETE("/:sourceId", documentHandler.DeleteDocument)
		}

		// Image 路由组
		images := apiV1.Group("/images")
		images.Use(middleware.BodyLimit(8 << 20))
		{
			images.POST("", imageHandler.Upload)
			images.GET("/search", imageHandler.SearchByText)
			images.POST("/similar", imageHandler.SearchSimilar)
			images.DELETE("/:id", imageHandler.Delete)
		}

		// Search 路由组
		apiV1.GET("/search", searchHandler.Search)

		// Chat 路由组
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/token", chatHandler.GetStreamToken)
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}
		apiV1.POST("/generate", chatHandler.Generate)
	}
	// Chat 路由 (WebSocket)
	r.GET("/chat/:token", chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 关闭 Kafka 生产者。消费者是一个循环，会在程序退出时自然结束，
	// 如果需要更精细的控制，可以在 StartConsumer 中实现一个关闭通道。
	if err := producer.Close(); err != nil {
		log.Warnf("Kafka 生产者关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// initSeedDocuments 扫描目录下文件并通过标准接入流程导入知识库（幂等）。
func initSeedDocuments(ctx context.Context, dir string, ingestSvc service.IngestService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedDocuments: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	// 已有记录按文件名去重，重启不会重复入库
	existing := make(map[string]bool)
	for _, record := range ingestSvc.ListDocuments(ctx) {
		existing[record.Name] = true
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		fileName := info.Name()
		if existing[fileName] {
			log.Infof("initSeedDocuments: 已存在，跳过: %s", fileName)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("initSeedDocuments: 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()

		contentType := mime.TypeByExtension(filepath.Ext(fileName))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		record, err := ingestSvc.IngestFile(ctx, fileName, contentType, info.Size(), f, fileName, "seed document")
		if err != nil {
			log.Warnf("initSeedDocuments: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("initSeedDocuments: 导入完成并已触发向量化: %s (sourceId=%s)", fileName, record.ID)
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedDocuments: 遍历目录发生错误: %v", walkErr)
	}
}
