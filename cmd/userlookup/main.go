package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cogdata/userlookup/internal/httpapi"
	"github.com/cogdata/userlookup/internal/lookup"
	"github.com/cogdata/userlookup/internal/stream"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if strings.EqualFold(os.Getenv("LOOKUP_LOG_LEVEL"), "debug") {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	addr := os.Getenv("LOOKUP_ADDR")
	if addr == "" {
		addr = ":8000"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheDSN := os.Getenv("LOOKUP_CACHE_DSN")
	if cacheDSN == "" {
		cacheDSN = "memory://"
	}
	cache, kv, err := lookup.BuildCacheFromDSN(cacheDSN, log.With().Str("component", "cache").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache backend")
	}
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("cache unreachable")
	}
	log.Info().Str("dsn_scheme", schemeOf(cacheDSN)).Msg("connected to cache")

	bulk, err := lookup.NewTrinoBulkSource(
		requireEnv(log, "LOOKUP_TRINO_DSN"),
		os.Getenv("LOOKUP_USER_TABLE"),
		log.With().Str("component", "bulk").Logger(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize bulk source")
	}
	defer bulk.Close()
	if err := bulk.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("bulk source unreachable")
	}

	failover, err := lookup.NewPostgresFailoverStore(
		requireEnv(log, "LOOKUP_POSTGRES_DSN"),
		os.Getenv("LOOKUP_USER_TABLE"),
		log.With().Str("component", "failover").Logger(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize failover store")
	}
	defer failover.Close()

	source, err := stream.NewWebsocketSource(
		requireEnv(log, "LOOKUP_STREAM_URL"),
		log.With().Str("component", "stream").Logger(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize change stream")
	}
	defer source.Close()

	reconciler := lookup.NewReconciler(bulk, cache, log.With().Str("component", "reconciler").Logger())
	log.Info().Msg("performing initial sync into cache")
	if _, err := reconciler.FullSync(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial sync failed")
	}

	monitor := stream.NewMonitorWithConfig(source, cache,
		log.With().Str("component", "monitor").Logger(),
		stream.MonitorConfig{
			MaxConsecutiveErrors: intEnv(log, "LOOKUP_MAX_CONSECUTIVE_ERRORS", 0),
			PollInterval:         durationEnv(log, "LOOKUP_POLL_INTERVAL", 0),
		})
	if err := monitor.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to change stream")
	}
	monitor.Start()

	router := lookup.NewSourceRouter(monitor, reconciler, failover, bulk,
		log.With().Str("component", "router").Logger())
	fetcher := lookup.NewFetcherWithLimits(router, cache, failover,
		log.With().Str("component", "fetcher").Logger(),
		intEnv(log, "LOOKUP_MAX_RACES", 0),
		durationEnv(log, "LOOKUP_FALLBACK_WAIT", 0))

	var tokenFile *httpapi.TokenFile
	if path := strings.TrimSpace(os.Getenv("LOOKUP_TOKEN_FILE")); path != "" {
		tokenFile, err = httpapi.NewTokenFile(path, log.With().Str("component", "tokens").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load operator token file")
		}
		defer tokenFile.Close()
	}
	tokens := httpapi.NewTokenStore(kv, tokenFile, log.With().Str("component", "auth").Logger())

	server := httpapi.NewServer(fetcher, router, cache, bulk, failover, monitor, tokens,
		httpapi.ServerConfig{
			RateLimitMax:    intEnv(log, "LOOKUP_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv(log, "LOOKUP_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env(log, "LOOKUP_MAX_BODY_BYTES", 0),
		},
		log.With().Str("component", "http").Logger())

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		log.Info().Str("addr", addr).Msg("userlookup listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
}

func requireEnv(log zerolog.Logger, name string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		log.Fatal().Str("var", name).Msg("required environment variable is not set")
	}
	return value
}

func intEnv(log zerolog.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("var", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func int64Env(log zerolog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("var", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(log zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("var", name).Str("value", raw).Str("fallback", fallback.String()).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return dsn
}
