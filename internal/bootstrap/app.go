package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"medibuddy/internal/ai"
	"medibuddy/internal/app"
	"medibuddy/internal/cache"
	"medibuddy/internal/catalog"
	"medibuddy/internal/config"
	"medibuddy/internal/logger"
	mongoClient "medibuddy/internal/platform/mongo"
	mysqlClient "medibuddy/internal/platform/mysql"
	rabbitmqClient "medibuddy/internal/platform/rabbitmq"
	redisClient "medibuddy/internal/platform/redis"
	"medibuddy/internal/repository"
	"medibuddy/internal/vectorindex"
	"medibuddy/internal/worker"
)

// migrator is implemented by conversation stores that own their schema.
type migrator interface {
	app.ConversationStore
	Migrate(ctx context.Context) error
}

type App struct {
	Config *config.Config
	Logger *zap.Logger

	MySQL         *gorm.DB
	Mongo         *mongo.Client
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Publisher     *rabbitmqClient.MessagePublisher
	MessageWorker *worker.MessagePersistWorker

	Conversations *app.ConversationService
	Ingest        *app.IngestService
	RAG           *app.RAGPipeline
	OTC           *app.OTCService
	Catalog       *app.CatalogService

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)

	// The catalog is validated before any connection is opened.
	approved, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog failed: %w", err)
	}

	a := &App{Config: cfg, Logger: log, StartedAt: time.Now()}
	if err := a.connect(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.wire(ctx, approved); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.NeedsMySQL() {
		db, err := mysqlClient.New(ctx, mysqlClient.Options{DSN: cfg.MySQLDSN(), Debug: cfg.Log.Level == "debug"})
		if err != nil {
			return err
		}
		a.MySQL = db
	}
	if cfg.Conversation.Backend == config.ConversationBackendMongo {
		client, err := mongoClient.New(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		a.Mongo = client
	}
	if cfg.Redis.Enabled {
		client, err := redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.Redis = client
	}
	if cfg.RabbitMQ.Enabled {
		conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		a.MQConn = conn
	}
	return nil
}

func (a *App) wire(ctx context.Context, approved *catalog.Catalog) error {
	cfg := a.Config

	store, err := a.conversationStore()
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate conversation store failed: %w", err)
	}

	var opts []app.ConversationOption
	var historyCache *cache.HistoryCache
	if a.Redis != nil {
		historyCache = cache.NewHistoryCache(a.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
		opts = append(opts, app.WithHistoryCache(historyCache, 0))
	}
	if a.MQConn != nil {
		a.Publisher = rabbitmqClient.NewMessagePublisher(a.MQConn, cfg.RabbitMQ.MessagePersistQueue)
		opts = append(opts, app.WithPublisher(a.Publisher))

		var invalidator worker.HistoryInvalidator
		if historyCache != nil {
			invalidator = historyCache
		}
		a.MessageWorker = worker.NewMessagePersistWorker(a.MQConn, store, invalidator, cfg.RabbitMQ.MessagePersistQueue, a.Logger)
		if err := a.MessageWorker.Start(ctx); err != nil {
			return fmt.Errorf("start message worker failed: %w", err)
		}
	}
	a.Conversations = app.NewConversationService(store, a.Logger, opts...)

	backend, err := newVectorBackend(cfg, a.MySQL, a.Logger)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second}
	client := ai.NewOpenAICompatibleClientWithHTTP(httpClient)
	chat := ai.NewChatModel(client, ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})
	embedder := ai.NewEmbeddingModel(client, ai.EmbeddingConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimension,
	})
	index := vectorindex.New(backend, embedder, vectorindex.Options{
		Dimension:   embedder.Dimension(),
		BatchSize:   cfg.VectorIndex.BatchSize,
		DefaultTopK: cfg.VectorIndex.DefaultTopK,
		MaxTopK:     cfg.VectorIndex.MaxTopK,
		Concurrency: cfg.VectorIndex.Concurrency,
		Logger:      a.Logger,
	})

	a.Catalog = app.NewCatalogService(index, approved, cfg.VectorIndex.CatalogNamespace, cfg.Catalog.SearchTopK, a.Logger)
	a.Ingest = app.NewIngestService(index, a.Conversations, app.NewExtractor(chat, a.Logger), app.IngestConfig{
		Namespace:    cfg.VectorIndex.DocumentNamespace,
		ChunkSize:    cfg.VectorIndex.ChunkSize,
		ChunkOverlap: cfg.VectorIndex.ChunkOverlap,
	}, a.Logger)
	a.RAG = app.NewRAGPipeline(index, chat, a.Conversations, app.RAGConfig{
		Namespace:       cfg.VectorIndex.DocumentNamespace,
		TopK:            cfg.RAG.TopK,
		HistoryLimit:    cfg.RAG.HistoryLimit,
		DefaultLanguage: cfg.RAG.DefaultLanguage,
	}, a.Logger)
	classifier := app.NewClassifier(index, chat, app.ClassifierConfig{
		Namespace: cfg.VectorIndex.CatalogNamespace,
		Threshold: cfg.Classification.Threshold,
		TopK:      cfg.Classification.TopK,
	}, a.Logger)
	a.OTC = app.NewOTCService(a.Conversations, classifier, a.Logger)
	return nil
}

func (a *App) conversationStore() (migrator, error) {
	switch a.Config.Conversation.Backend {
	case config.ConversationBackendMongo:
		return repository.NewMongoConversationStore(a.Mongo.Database(a.Config.Mongo.Database)), nil
	case config.ConversationBackendMySQL:
		return repository.NewSQLConversationStore(a.MySQL), nil
	default:
		return nil, fmt.Errorf("unknown conversation backend %q", a.Config.Conversation.Backend)
	}
}

func newVectorBackend(cfg *config.Config, db *gorm.DB, log *zap.Logger) (vectorindex.Backend, error) {
	switch cfg.VectorIndex.Backend {
	case config.VectorBackendPinecone:
		return vectorindex.NewPineconeBackend(vectorindex.PineconeConfig{
			APIKey:        cfg.Pinecone.APIKey,
			IndexName:     cfg.Pinecone.IndexName,
			Host:          cfg.Pinecone.Host,
			ControllerURL: cfg.Pinecone.ControllerURL,
			Cloud:         cfg.Pinecone.Cloud,
			Region:        cfg.Pinecone.Region,
		}, log), nil
	case config.VectorBackendMySQL:
		if db == nil {
			return nil, fmt.Errorf("vector backend mysql needs a database connection")
		}
		return vectorindex.NewSQLBackend(db), nil
	case config.VectorBackendMemory:
		log.Warn("using in-memory vector index, contents are lost on restart")
		return vectorindex.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorIndex.Backend)
	}
}

// SeedCatalog loads the approved catalog into its namespace. Failures are
// logged; classification reports "no matching approved item" until a later
// seed succeeds.
func (a *App) SeedCatalog(ctx context.Context) {
	report, err := a.Catalog.Seed(ctx)
	if err != nil {
		a.Logger.Error("seed catalog failed", zap.Error(err))
		return
	}
	if !report.OK() {
		a.Logger.Warn("catalog seeded partially",
			zap.Int("committed", report.Committed()),
			zap.Int("total", report.Total),
		)
	}
}

func (a *App) Close() error {
	var closeErr error
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Mongo.Disconnect(ctx); err != nil {
			closeErr = err
		}
		cancel()
	}
	if a.MySQL != nil {
		if err := mysqlClient.Close(a.MySQL); err != nil {
			closeErr = err
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return closeErr
}
