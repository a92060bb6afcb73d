package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"chat_server/server/chat/api"
	"chat_server/server/chat/repository"
	"chat_server/server/chat/service"
	commonauth "chat_server/server/common/auth"
	"chat_server/server/common/infra/cache"
	"chat_server/server/common/infra/db"
	"chat_server/server/common/infra/mq"
	"chat_server/server/common/infra/object"
	commonlog "chat_server/server/common/log"
)

type Server struct {
	HTTPServer *http.Server

	pool     *pgxpool.Pool
	redis    *redis.Client
	mqConn   *amqp.Connection
	registry *service.PresenceRegistry

	pushWorker   *service.PushWorker
	workerCancel context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}

	users := repository.NewUserRepository(pool)
	messages := repository.NewMessageRepository(pool)
	rooms := repository.NewRoomRepository(pool)
	groups := repository.NewGroupRepository(pool)
	calls := repository.NewCallRepository(pool)
	push := repository.NewPushRepository(pool)

	tokenAuth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	registry := service.NewPresenceRegistry()

	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx, redisClient); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		registry.UseRedis(redisClient)
	}

	identity := service.NewIdentityService(users, tokenAuth)
	convLocks := service.NewKeyedMutex()
	chat := service.NewChatService(identity, messages, groups, registry, convLocks)
	groupSvc := service.NewGroupService(groups, identity, messages, convLocks)
	callSvc := service.NewCallService(calls, identity, registry)

	var (
		notifier service.Notifier = service.LogNotifier{}
		mqConn   *amqp.Connection
		worker   *service.PushWorker
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		pubCh, err := mq.DeclareTopicExchange(mqConn, cfg.PushExchange)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("declare push exchange: %w", err)
		}
		notifier = service.NewAMQPNotifier(pubCh, cfg.PushExchange, cfg.PushKey)

		conCh, err := mq.DeclareBoundQueue(mqConn, cfg.PushExchange, cfg.PushQueue, cfg.PushKey)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("declare push queue: %w", err)
		}
		var provider service.PushProvider = service.LogProvider{}
		if cfg.PushWebhookURL != "" {
			provider = service.NewWebhookProvider(cfg.PushWebhookURL)
		}
		worker = service.NewPushWorker(conCh, cfg.PushQueue, push, provider)
	}

	sessionCore := service.NewSessionCore(registry, identity, chat, callSvc, notifier)

	var attachments *service.AttachmentService
	if cfg.UseMinio {
		minioClient, err := object.Connect(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		attachments = service.NewAttachmentService(minioClient, cfg.MinioBucket)
	}

	h := api.NewHandler(api.HandlerDeps{
		Auth:        tokenAuth,
		Identity:    identity,
		Chat:        chat,
		Groups:      groupSvc,
		Calls:       callSvc,
		Attachments: attachments,
		Session:     sessionCore,
		Messages:    messages,
		Rooms:       rooms,
		GroupsDB:    groups,
		CallsDB:     calls,
		Push:        push,
	})
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		pool:       pool,
		redis:      redisClient,
		mqConn:     mqConn,
		registry:   registry,
		pushWorker: worker,
	}, nil
}

// Start launches the background pieces: the cross-instance presence bridge
// and the push worker. Safe to call when neither is configured.
func (s *Server) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	s.workerCancel = cancel

	if s.redis != nil {
		if err := s.registry.StartBridge(workerCtx); err != nil {
			commonlog.Warnf("event=app action=start_bridge status=failed error=%v", err)
		}
	}
	if s.pushWorker != nil {
		go func() {
			if err := s.pushWorker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
				commonlog.Errorf("event=app action=push_worker status=stopped error=%v", err)
			}
		}()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.workerCancel != nil {
		s.workerCancel()
	}
	s.registry.StopBridge()
	if s.mqConn != nil {
		_ = s.mqConn.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	err := s.HTTPServer.Shutdown(ctx)
	s.pool.Close()
	return err
}
