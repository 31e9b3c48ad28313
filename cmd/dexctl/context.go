package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/mangadex-client/pkg/client"
	"github.com/Sternrassler/mangadex-client/pkg/logging"
	"github.com/Sternrassler/mangadex-client/pkg/metrics"
	"github.com/Sternrassler/mangadex-client/pkg/ratelimit"
)

type commandContext struct {
	configFlag *string

	config *Config
	logger zerolog.Logger

	metricsServer *http.Server
	metricsAddr   string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logger:     zerolog.Nop(),
	}
}

// setup loads the configuration, configures logging and starts the metrics endpoint.
func (c *commandContext) setup(cmd *cobra.Command) error {
	var path string
	if c.configFlag != nil {
		path = strings.TrimSpace(*c.configFlag)
	}

	cfg, err := loadConfig(path, cmd)
	if err != nil {
		return err
	}
	c.config = cfg

	c.logger = logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Logging.Level),
		Pretty:  cfg.Logging.Format == "console",
		NoColor: !cfg.Logging.Color,
		Output:  cmd.ErrOrStderr(),
	})

	if cfg.Metrics.Addr != "" {
		return c.serveMetrics(cfg.Metrics.Addr)
	}
	return nil
}

func (c *commandContext) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	c.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	c.metricsAddr = ln.Addr().String()

	go func() {
		if err := c.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	c.logger.Info().Str("addr", c.metricsAddr).Msg("Serving metrics on /metrics")
	return nil
}

func (c *commandContext) shutdown(ctx context.Context) error {
	if c.metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.metricsServer.Shutdown(ctx)
}

// withClient builds a client from the loaded configuration and hands it to fn. With
// redis.addr set, rate limit windows are shared through Redis.
func (c *commandContext) withClient(ctx context.Context, fn func(*client.Client) error) error {
	if c.config == nil {
		return errors.New("configuration not loaded")
	}

	cfg := c.config.clientConfig()
	cfg.Logger = &c.logger
	cfg.HTTPClient = &http.Client{Timeout: c.config.API.Timeout}

	if addr := c.config.Redis.Addr; addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: c.config.Redis.Password,
			DB:       c.config.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		c.logger.Debug().Str("addr", addr).Msg("Sharing rate limit state through Redis")
		cfg.RateLimitStore = ratelimit.NewRedisStore(redisClient)
	}

	mdClient, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create MangaDex client: %w", err)
	}
	defer mdClient.Close()

	return fn(mdClient)
}
