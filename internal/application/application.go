package application

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/config"
	"github.com/psds-microservice/repair-service/internal/database"
	"github.com/psds-microservice/repair-service/internal/handler"
	"github.com/psds-microservice/repair-service/internal/realtime"
	"github.com/psds-microservice/repair-service/internal/router"
	"github.com/psds-microservice/repair-service/internal/service"
	"github.com/rs/zerolog"
)

// API — приложение режима api: HTTP сервер, хаб живых сессий, диспетчер каналов.
type API struct {
	cfg     *config.Config
	log     zerolog.Logger
	httpSrv *http.Server
	hub     *realtime.Hub
	kafkaCh *channels.KafkaChannel
	svc     *service.RequestService
}

// NewAPI собирает приложение: валидирует конфиг, применяет миграции,
// открывает базу и связывает движок с side-эффектами.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	hub := realtime.NewHub(log, cfg.HeartbeatInterval)

	kafkaCh := channels.NewKafkaChannel(channels.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopicEvents)
	dispatcher := channels.NewDispatcher(log, cfg.ChannelTimeout,
		channels.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID),
		channels.NewWebhookChannel(cfg.WebhookURL),
		kafkaCh,
	)

	notifications := service.NewNotificationService(db, hub, log)
	requests := service.NewRequestService(db, notifications, dispatcher, hub, service.DefaultAssignPolicy(), log)

	mux := router.New(router.Handlers{
		Requests:      handler.NewRequestHandler(requests),
		Notifications: handler.NewNotificationHandler(notifications),
		Events:        handler.NewEventsHandler(hub),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout не задаём: SSE-поток живёт дольше любого разумного лимита.
		IdleTimeout: 60 * time.Second,
	}

	return &API{
		cfg:     cfg,
		log:     log,
		httpSrv: httpSrv,
		hub:     hub,
		kafkaCh: kafkaCh,
		svc:     requests,
	}, nil
}

// Run запускает HTTP сервер и блокируется до отмены ctx; затем гасит сервер,
// дожидается фоновых side-эффектов и закрывает живые сессии.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info().Str("addr", a.httpSrv.Addr).Msg("HTTP server listening")
	a.log.Info().Msgf("  Swagger UI:    %s/swagger", base)
	a.log.Info().Msgf("  Health:        %s/health", base)
	a.log.Info().Msgf("  API v1:        %s/api/v1/", base)
	a.log.Info().Msgf("  Event stream:  %s/api/v1/events", base)

	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.svc.Drain()
	a.hub.Shutdown()
	if err := a.kafkaCh.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close kafka channel")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "repair-service").Logger()
}
