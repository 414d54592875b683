package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/relaydesk/internal/accounts"
	"github.com/relaydesk/relaydesk/internal/autoreply"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/discord"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/email"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/lark"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/meta"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/slack"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/telegram"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/tiktok"
	"github.com/relaydesk/relaydesk/internal/channel/adapters/twilio"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/handlers"
	"github.com/relaydesk/relaydesk/internal/healthcheck"
	channelchecker "github.com/relaydesk/relaydesk/internal/healthcheck/checkers/channel"
	databasechecker "github.com/relaydesk/relaydesk/internal/healthcheck/checkers/database"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/integrations"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/realtime"
	"github.com/relaydesk/relaydesk/internal/routing"
	"github.com/relaydesk/relaydesk/internal/server"
	"github.com/relaydesk/relaydesk/internal/tasks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Run:   func(*cobra.Command, []string) { runServe() },
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			accounts.NewStore,
			integrations.NewStore,
			inbox.NewStore,
			routing.NewRuleStore,
			routing.NewDirectory,
			autoreply.NewStore,
			provideRegistry,
			provideResolver,
			provideTaskQueue,
			realtime.NewHub,
			provideRuleEngine,
			provideEvaluator,
			provideGateway,
			provideHealthMonitor,
			provideMailWatcher,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideChannelsHandler),
			provideServerHandler(provideIntegrationsHandler),
			provideServerHandler(handlers.NewMessagesHandler),
			provideServerHandler(handlers.NewConversationsHandler),
			provideServerHandler(handlers.NewRoutingHandler),
			provideServerHandler(handlers.NewAutoRepliesHandler),
			provideServerHandler(provideChecksHandler),
			provideServerHandler(handlers.NewRealtimeHandler),
			provideServerHandler(handlers.NewWebhooksHandler),
			provideServer,
		),
		fx.Invoke(
			startTaskQueue,
			startRealtimeHub,
			startHealthMonitor,
			startMailWatcher,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.MigrateOnStart {
		if err := db.Migrate(cfg.Postgres.DSN()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideRegistry(log *slog.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	adapters := []channel.Adapter{
		twilio.New(channel.PlatformWhatsApp, log),
		twilio.New(channel.PlatformSMS, log),
		meta.NewWhatsApp(log),
		meta.NewMessenger(channel.PlatformFacebook, log),
		meta.NewMessenger(channel.PlatformInstagram, log),
		telegram.New(log),
		slack.New(log),
		discord.New(log),
		lark.New(log),
		email.NewMailgun(log),
		email.NewSMTP(log),
		tiktok.New(),
	}
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("register adapter %s/%s: %w", a.Platform(), a.Provider(), err)
		}
	}
	return reg, nil
}

func provideResolver(log *slog.Logger, store *integrations.Store, registry *channel.Registry) *integrations.Resolver {
	return integrations.NewResolver(log, store, registry)
}

func provideTaskQueue(log *slog.Logger, cfg config.Config) *tasks.Queue {
	return tasks.NewQueue(log, cfg.Tasks.QueueSize, cfg.Tasks.Workers, cfg.Tasks.TaskTimeout())
}

func provideRuleEngine(log *slog.Logger, rules *routing.RuleStore, directory *routing.Directory, store *inbox.Store) *routing.Engine {
	return routing.NewEngine(log, rules, directory, store)
}

func provideEvaluator(log *slog.Logger, store *autoreply.Store) *autoreply.Evaluator {
	return autoreply.NewEvaluator(log, store)
}

// provideGateway assembles the inbound/outbound pipeline. The evaluator gets
// its sender here rather than at construction, so autoreply never has to
// import the gateway.
func provideGateway(log *slog.Logger, cfg config.Config, resolver *integrations.Resolver, store *inbox.Store, engine *routing.Engine, queue *tasks.Queue, hub *realtime.Hub, evaluator *autoreply.Evaluator) *gateway.Gateway {
	g := gateway.New(log, resolver, store, routing.NewKeywordClassifier())
	g.SetRuleEngine(engine)
	g.SetTaskQueue(queue)
	g.SetBroadcaster(hub)
	g.SetAutoReplier(evaluator)
	g.SetBusinessHours(routing.HoursWindow{
		Start: cfg.Classifier.BusinessHoursStart,
		End:   cfg.Classifier.BusinessHoursEnd,
	})
	g.SetSendTimeout(cfg.Channels.SendTimeoutDuration())
	evaluator.SetSender(g)
	return g
}

func provideHealthMonitor(log *slog.Logger, store *integrations.Store, registry *channel.Registry, cfg config.Config) *healthcheck.Monitor {
	return healthcheck.NewMonitor(log, store, registry, cfg.Health.Schedule)
}

func provideMailWatcher(log *slog.Logger, store *integrations.Store, registry *channel.Registry, gw *gateway.Gateway) *email.PollManager {
	return email.NewPollManager(log, store, registry, gw)
}

func provideAuthHandler(log *slog.Logger, store *accounts.Store, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, store, cfg.Auth.JWTSecret, cfg.Auth.ExpiresIn())
}

func provideChannelsHandler(registry *channel.Registry, cfg config.Config) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(registry, cfg.Server.PublicBaseURL)
}

func provideIntegrationsHandler(log *slog.Logger, store *integrations.Store, registry *channel.Registry, cfg config.Config) *handlers.IntegrationsHandler {
	return handlers.NewIntegrationsHandler(log, store, registry, cfg.Channels.SendTimeoutDuration())
}

func provideChecksHandler(log *slog.Logger, store *integrations.Store, pool *pgxpool.Pool) *handlers.ChecksHandler {
	return handlers.NewChecksHandler(log,
		channelchecker.NewChecker(log, store),
		databasechecker.NewChecker(log, pool),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers)
}

func startTaskQueue(lc fx.Lifecycle, queue *tasks.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { queue.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return queue.Stop(ctx) },
	})
}

func startRealtimeHub(lc fx.Lifecycle, hub *realtime.Hub) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { hub.Stop(); return nil },
	})
}

func startHealthMonitor(lc fx.Lifecycle, monitor *healthcheck.Monitor, cfg config.Config) {
	if !cfg.Health.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return monitor.Start() },
		OnStop:  func(ctx context.Context) error { return monitor.Stop(ctx) },
	})
}

func startMailWatcher(lc fx.Lifecycle, watcher *email.PollManager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return watcher.Start(ctx) },
		OnStop:  func(_ context.Context) error { cancel(); watcher.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, store *accounts.Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.EnsureAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password, cfg.Admin.Name); err != nil {
				return fmt.Errorf("ensure admin user: %w", err)
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
