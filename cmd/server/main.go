// Command server runs the conversational backend: the streaming chat
// endpoint and its supporting stores, composed from a YAML configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kataras/golog"
	"github.com/redis/go-redis/v9"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallnest/chatgraph/internal/api"
	"github.com/smallnest/chatgraph/internal/auth"
	"github.com/smallnest/chatgraph/internal/chat"
	"github.com/smallnest/chatgraph/internal/config"
	"github.com/smallnest/chatgraph/internal/conversation"
	"github.com/smallnest/chatgraph/internal/task"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/provider"
	"github.com/smallnest/chatgraph/rag"
	"github.com/smallnest/chatgraph/store"
	pgstore "github.com/smallnest/chatgraph/store/postgres"
	"github.com/smallnest/chatgraph/store/sqlite"
	"github.com/smallnest/chatgraph/tool"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	log.SetDefaultLogger(logger)
	gin.SetMode(cfg.Server.Mode)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited: %v", err)
		os.Exit(1)
	}
}

func newLogger(level string) log.Logger {
	gl := golog.New()
	gl.SetTimeFormat("2006-01-02 15:04:05")
	logger := log.NewGologLogger(gl)
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.LevelDebug)
	case "warn":
		logger.SetLevel(log.LevelWarn)
	case "error":
		logger.SetLevel(log.LevelError)
	case "disable":
		logger.SetLevel(log.LevelNone)
	default:
		logger.SetLevel(log.LevelInfo)
	}
	return logger
}

func run(cfg *config.Config, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL())
	authn := auth.NewAuthenticator(tokens, auth.NewSessionStore(rdb, cfg.Auth.MaxLoginNum))

	deps, cleanup, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	models, err := buildModels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	resolver := chat.ModelResolverFunc(func(code string) (provider.ChatModel, error) {
		if code == "" {
			code = cfg.Chat.DefaultModelCode
		}
		m, ok := models[code]
		if !ok {
			return nil, fmt.Errorf("unknown model code: %s", code)
		}
		return m, nil
	})

	registry := tool.NewRegistry(tool.NewClock(), tool.NewDateDiff())
	var searcher chat.WebSearcher
	if cfg.Search.TavilyAPIKey != "" {
		ws, err := tool.NewWebSearch(cfg.Search.TavilyAPIKey,
			tool.WithMaxResults(cfg.Search.MaxResults),
			tool.WithSearchDepth(cfg.Search.Depth),
		)
		if err != nil {
			return fmt.Errorf("failed to configure web search: %w", err)
		}
		registry.Register(ws)
		searcher = ws
	} else {
		logger.Warn("no tavily api key configured, web search and deep search degrade to model knowledge")
	}

	tasks := task.NewRunner(task.WithLogger(logger))

	svc := chat.NewService(chat.ServiceConfig{
		Conversations:       deps.conversations,
		Checkpoints:         deps.checkpoints,
		Models:              resolver,
		Tools:               registry,
		Retriever:           deps.retriever,
		Searcher:            searcher,
		Embeddings:          deps.embeddings,
		Tasks:               tasks,
		Logger:              logger,
		TopK:                cfg.Chat.RAGTopK,
		SimilarityThreshold: cfg.Chat.RAGSimilarityThreshold,
		DeepSearchMaxRounds: cfg.Chat.DeepSearchMaxRounds,
		MaxHistoryMessages:  cfg.Chat.MaxHistoryMessages,
		MaxHistoryTokens:    cfg.Chat.MaxHistoryTokens,
		MaxSearchResults:    cfg.Search.MaxResults,
	})

	server := api.NewServer(api.Config{
		Auth:          authn,
		Users:         deps.users,
		Chat:          svc,
		Conversations: deps.conversations,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	tasks.Shutdown(shutdownCtx)
	return nil
}

// storageDeps groups the driver-dependent stores.
type storageDeps struct {
	checkpoints   store.Store
	conversations conversation.Store
	users         auth.UserStore
	retriever     chat.Retriever
	embeddings    chat.EmbeddingWriter
}

// buildStorage assembles the persistence layer. Postgres is the production
// path: gorm for the conversation tree, pgx for checkpoints and pgvector
// retrieval. The sqlite driver is the single-file development path with
// in-memory conversation and user stores and no retrieval.
func buildStorage(ctx context.Context, cfg *config.Config, logger log.Logger) (*storageDeps, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid postgres dsn: %w", err)
		}
		poolCfg.MinConns = 2
		poolCfg.MaxConns = 10
		poolCfg.MaxConnIdleTime = 5 * time.Minute
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres unreachable: %w", err)
		}

		checkpoints := pgstore.NewPostgresStoreWithPool(pool, cfg.Database.CheckpointTable)
		if err := checkpoints.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to init checkpoint schema: %w", err)
		}

		db, err := gorm.Open(gormpg.Open(cfg.Database.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to open gorm: %w", err)
		}
		convs := conversation.NewGormStore(db)
		if err := convs.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate conversation schema: %w", err)
		}
		users := auth.NewGormUserStore(db)
		if err := users.Migrate(); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate user schema: %w", err)
		}

		embedder, err := buildEmbedder(cfg)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		vectors := rag.NewPgVectorStore(pool, embedder)
		if err := vectors.InitSchema(ctx, cfg.Embedding.Dimension); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to init pgvector schema: %w", err)
		}

		deps := &storageDeps{
			checkpoints:   checkpoints,
			conversations: convs,
			users:         users,
			retriever: &pgRetriever{
				messages: vectors,
				chunks:   rag.NewHybridSearcher(vectors, logger),
			},
			embeddings: vectors,
		}
		return deps, pool.Close, nil

	case "sqlite":
		checkpoints, err := sqlite.NewSQLiteStore(cfg.Database.DSN, cfg.Database.CheckpointTable)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite checkpoint store: %w", err)
		}
		logger.Warn("sqlite driver: conversations and users are in-memory, retrieval is disabled")

		users := auth.NewMemoryUserStore()
		password := os.Getenv("CHAT_DEV_PASSWORD")
		if password == "" {
			password = "admin"
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, nil, err
		}
		users.Add(&auth.User{UserCode: "admin", UserName: "Administrator", PasswordHash: hash})

		deps := &storageDeps{
			checkpoints:   checkpoints,
			conversations: conversation.NewMemoryStore(),
			users:         users,
		}
		return deps, func() { _ = checkpoints.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}
}

func buildEmbedder(cfg *config.Config) (rag.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
			APIKey:  cfg.Embedding.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
		}), nil
	case "local":
		embedder, err := rag.NewOllamaEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to init local embedder: %w", err)
		}
		return embedder, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}

// buildModels constructs every configured model upfront so a bad entry
// fails at startup, not on the first request.
func buildModels(ctx context.Context, cfg *config.Config, logger log.Logger) (map[string]provider.ChatModel, error) {
	models := make(map[string]provider.ChatModel, len(cfg.Models))
	for _, mc := range cfg.Models {
		model, err := buildModel(ctx, mc, logger)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mc.Code, err)
		}
		models[mc.Code] = tune(model, mc)
	}
	return models, nil
}

func buildModel(ctx context.Context, mc config.ModelConfig, logger log.Logger) (provider.ChatModel, error) {
	switch mc.Provider {
	case "deepseek", "openai", "custom":
		return provider.NewOpenAIChat(provider.OpenAIConfig{
			APIKey:  mc.APIKey,
			BaseURL: mc.BaseURL,
			Model:   mc.Model,
			Logger:  logger,
		}), nil
	case "gemini":
		return provider.NewGeminiChat(ctx, provider.GeminiConfig{
			APIKey: mc.APIKey,
			Model:  mc.Model,
			Logger: logger,
		})
	case "responses":
		// The responses bridge wraps an SDK client handed over in code;
		// it has no YAML-constructible client.
		return nil, fmt.Errorf("provider %q cannot be configured from YAML", mc.Provider)
	default:
		return nil, fmt.Errorf("unknown provider: %s", mc.Provider)
	}
}

// tune wraps a model so the per-model sampling options from the
// configuration apply to every call.
func tune(model provider.ChatModel, mc config.ModelConfig) provider.ChatModel {
	var opts []provider.Option
	if mc.Temperature != nil {
		opts = append(opts, provider.WithTemperature(*mc.Temperature))
	}
	if mc.TopP != nil {
		opts = append(opts, provider.WithTopP(*mc.TopP))
	}
	if mc.TopK != nil {
		opts = append(opts, provider.WithTopK(*mc.TopK))
	}
	if mc.MaxTokens != nil {
		opts = append(opts, provider.WithMaxTokens(*mc.MaxTokens))
	}
	if mc.TimeoutSeconds > 0 {
		opts = append(opts, provider.WithTimeout(mc.Timeout()))
	}
	if len(opts) == 0 {
		return model
	}
	return &tunedModel{inner: model, opts: opts}
}

// tunedModel prepends configured options to every call; explicit per-call
// options still win because they apply later.
type tunedModel struct {
	inner provider.ChatModel
	opts  []provider.Option
}

func (m *tunedModel) Invoke(ctx context.Context, msgs []provider.Message, opts ...provider.Option) (provider.Message, error) {
	return m.inner.Invoke(ctx, msgs, append(append([]provider.Option(nil), m.opts...), opts...)...)
}

func (m *tunedModel) Stream(ctx context.Context, msgs []provider.Message, fn provider.StreamFunc, opts ...provider.Option) (provider.Message, error) {
	return m.inner.Stream(ctx, msgs, fn, append(append([]provider.Option(nil), m.opts...), opts...)...)
}

func (m *tunedModel) BindTools(tools []provider.ToolSpec) provider.ChatModel {
	return &tunedModel{inner: m.inner.BindTools(tools), opts: m.opts}
}

// pgRetriever joins message semantic search and hybrid chunk search behind
// the orchestrator's retrieval surface.
type pgRetriever struct {
	messages *rag.PgVectorStore
	chunks   *rag.HybridSearcher
}

func (r *pgRetriever) SearchSimilarMessages(ctx context.Context, query, conversationID string, topK int, threshold float64) ([]rag.MessageHit, error) {
	return r.messages.SearchSimilarMessages(ctx, query, conversationID, topK, threshold)
}

func (r *pgRetriever) SearchKnowledgeBase(ctx context.Context, query string, knowledgeBaseIDs []string, topK int, threshold float64, mode rag.FusionMode) ([]rag.ChunkResult, error) {
	return r.chunks.Search(ctx, query, knowledgeBaseIDs, topK, threshold, mode)
}
