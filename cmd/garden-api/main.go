package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/The777Bot/visitor-garden/internal/config"
	"github.com/The777Bot/visitor-garden/internal/database"
	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/The777Bot/visitor-garden/internal/geo"
	"github.com/The777Bot/visitor-garden/internal/logging"
	"github.com/The777Bot/visitor-garden/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "garden-api",
		Short: "Visitor garden backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admission-policy", defaults.GetString("admission.policy"), "Admission policy (atomic, cooperative)")
	cmd.PersistentFlags().Int("field-width", defaults.GetInt("field.width"), "Field width")
	cmd.PersistentFlags().Int("field-height", defaults.GetInt("field.height"), "Field height")
	cmd.PersistentFlags().Int("field-padding", defaults.GetInt("field.padding"), "Field edge padding")
	cmd.PersistentFlags().Int("stats-recent-limit", defaults.GetInt("stats.recent_limit"), "Default number of recent plantings in /stats")
	cmd.PersistentFlags().Float64("ratelimit-per-second", defaults.GetFloat64("ratelimit.per_second"), "Write requests per second per client IP (0 disables)")
	cmd.PersistentFlags().Int("ratelimit-burst", defaults.GetInt("ratelimit.burst"), "Write request burst per client IP")
	cmd.PersistentFlags().Bool("geo-enabled", defaults.GetBool("geo.enabled"), "Query remote geolocation providers")
	cmd.PersistentFlags().String("geo-header", defaults.GetString("geo.header"), "Trusted edge header carrying the visitor country")
	cmd.PersistentFlags().Int("geo-timeout-ms", defaults.GetInt("geo.timeout_ms"), "Per-provider geolocation timeout in milliseconds")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the geolocation cache")
	cmd.PersistentFlags().Int("redis-ttl-minutes", defaults.GetInt("redis.ttl_minutes"), "Geolocation cache TTL in minutes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admission.policy", "admission-policy")
	bindFlag(cmd, "field.width", "field-width")
	bindFlag(cmd, "field.height", "field-height")
	bindFlag(cmd, "field.padding", "field-padding")
	bindFlag(cmd, "stats.recent_limit", "stats-recent-limit")
	bindFlag(cmd, "ratelimit.per_second", "ratelimit-per-second")
	bindFlag(cmd, "ratelimit.burst", "ratelimit-burst")
	bindFlag(cmd, "geo.enabled", "geo-enabled")
	bindFlag(cmd, "geo.header", "geo-header")
	bindFlag(cmd, "geo.timeout_ms", "geo-timeout-ms")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "redis.ttl_minutes", "redis-ttl-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if !strings.EqualFold(appConfig.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dispatcher := server.NewRealtimeDispatcher()
	gardenService, err := garden.NewService(garden.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        garden.NewUUIDProvider(),
		Field:             appConfig.Field,
		Logger:            logger,
		OnPlantingCreated: dispatcher.PublishPlanting,
	})
	if err != nil {
		return err
	}

	locator, closeLocator := buildLocator(ctx, appConfig, logger)
	defer closeLocator()

	sampler, err := garden.NewSampler(gardenService.Field())
	if err != nil {
		return err
	}
	gate, err := garden.NewGate(garden.GateConfig{
		Store:   gardenService,
		Sampler: sampler,
		Locator: locator,
		Policy:  appConfig.AdmissionPolicy,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:       gardenService,
		Gate:        gate,
		Realtime:    dispatcher,
		Field:       gardenService.Field(),
		RecentLimit: appConfig.StatsRecentLimit,
		RateLimit: server.RateLimitConfig{
			PerSecond: appConfig.RateLimitPerSecond,
			Burst:     appConfig.RateLimitBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("policy", string(gate.Policy())),
			zap.String("locator", locator.Name()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildLocator assembles the edge header, then the remote providers behind an optional redis cache.
func buildLocator(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*geo.Chain, func()) {
	providers := make([]geo.Provider, 0, 2)
	if header := geo.NewHeaderProvider(appConfig.GeoHeader); header != nil {
		providers = append(providers, header)
	}

	closeLocator := func() {}
	if appConfig.GeoEnabled && len(appConfig.GeoProviders) > 0 {
		remote := make([]geo.Provider, 0, len(appConfig.GeoProviders))
		for _, providerConfig := range appConfig.GeoProviders {
			providerConfig.Timeout = appConfig.GeoTimeout
			provider, err := geo.NewHTTPProvider(providerConfig)
			if err != nil {
				logger.Warn("geo provider skipped", zap.String("provider", providerConfig.Name), zap.Error(err))
				continue
			}
			remote = append(remote, provider)
		}

		var cache geo.Cache
		if appConfig.RedisURL != "" {
			redisCache, err := geo.NewRedisCache(ctx, appConfig.RedisURL)
			if err != nil {
				logger.Warn("geo cache unavailable, continuing without it", zap.Error(err))
			} else {
				cache = redisCache
				closeLocator = func() {
					_ = redisCache.Close()
				}
			}
		}
		providers = append(providers, geo.NewCachingProvider(geo.NewChain(logger, remote...), cache, appConfig.RedisTTL, logger))
	}

	return geo.NewChain(logger, providers...), closeLocator
}
