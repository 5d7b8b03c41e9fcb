package di

import (
	"fmt"

	"gorm.io/gorm"

	"ai-web-chat-demo/backend/ai"
	"ai-web-chat-demo/backend/chat/engine"
	"ai-web-chat-demo/backend/chat/repository"
	"ai-web-chat-demo/backend/chat/service"
	"ai-web-chat-demo/backend/chat/transcript"
	"ai-web-chat-demo/backend/chat/ws"
	"ai-web-chat-demo/backend/pkg/cache"
	"ai-web-chat-demo/backend/pkg/config"
	"ai-web-chat-demo/backend/pkg/jwt"
	"ai-web-chat-demo/backend/pkg/logger"
	sharedredis "ai-web-chat-demo/backend/shared/redis"
)

// Container holds all the dependencies for the application
type Container struct {
	DB          *gorm.DB
	Redis       *sharedredis.Client
	Logger      *logger.Logger
	JWTService  *jwt.Service
	Upstream    *ai.Client
	Hub         *ws.Hub
	UserChats   *service.ChatService
	DeviceChats *service.ChatService
}

// New wires the application graph: one chat service per ownership
// mode, both sharing the upstream client and the websocket hub.
func New(db *gorm.DB, cfg *config.Config, log *logger.Logger) (*Container, error) {
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	upstream, err := ai.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	hub := ws.NewHub(log)

	userStore := repository.NewGormSessionStore(db)
	if err := userStore.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	redisClient := sharedredis.NewClient()
	deviceStore := repository.NewRedisSessionStore(redisClient, cfg.Redis.Namespace, cfg.Cache.TTL)

	cacheOpts := cache.Options{
		DefaultExpiration: cfg.Cache.TTL,
		CleanupInterval:   cfg.Cache.PurgeWindow,
		MaxItems:          cfg.Cache.MaxSize,
	}

	userChats := buildChatService(modeParams{
		mode:      "user",
		store:     userStore,
		quota:     engine.QuotaPolicy{},
		apology:   engine.DefaultApology,
		cfg:       cfg,
		cacheOpts: cacheOpts,
		upstream:  upstream,
		hub:       hub,
		log:       log,
	})

	deviceChats := buildChatService(modeParams{
		mode:  "anonymous",
		store: deviceStore,
		quota: engine.QuotaPolicy{
			MaxMessagesPerSession: cfg.Features.MaxMessagesPerSession,
			MaxChatsPerOwner:      cfg.Features.MaxChatsPerDevice,
		},
		apology:   engine.AnonymousApology,
		cfg:       cfg,
		cacheOpts: cacheOpts,
		upstream:  upstream,
		hub:       hub,
		log:       log,
	})

	return &Container{
		DB:          db,
		Redis:       redisClient,
		Logger:      log,
		JWTService:  jwtService,
		Upstream:    upstream,
		Hub:         hub,
		UserChats:   userChats,
		DeviceChats: deviceChats,
	}, nil
}

type modeParams struct {
	mode      string
	store     repository.SessionStore
	quota     engine.QuotaPolicy
	apology   string
	cfg       *config.Config
	cacheOpts cache.Options
	upstream  *ai.Client
	hub       *ws.Hub
	log       *logger.Logger
}

func buildChatService(p modeParams) *service.ChatService {
	transcripts := transcript.NewStore()
	correlation := engine.NewCorrelationStore(p.cacheOpts)

	var notifier engine.Notifier = engine.NopNotifier{}
	if p.cfg.Features.EnableWebSockets {
		notifier = p.hub
	}

	eng := engine.New(engine.Config{
		Mode:          p.mode,
		Transcripts:   transcripts,
		Streamer:      p.upstream,
		Store:         p.store,
		Quota:         p.quota,
		Correlation:   correlation,
		Notifier:      notifier,
		Logger:        p.log,
		StreamTimeout: p.cfg.Upstream.StreamTimeout,
		TitleMaxLen:   p.cfg.Features.TitleMaxLength,
		Apology:       p.apology,
	})

	return service.NewChatService(eng, transcripts, p.store, correlation, p.log)
}
