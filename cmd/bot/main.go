// Command bot starts the media-processing bot service: the session store,
// pipeline orchestrator, command/callback router, feed watcher, and
// operator HTTP surface, wired together and run until a shutdown signal
// arrives.
//
// Grounded on cmd/server/main.go's flag-parsing-plus-env-override shape
// and its signal-driven graceful shutdown sequence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitriver-submerger/internal/adminhttp"
	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/config"
	"bitriver-submerger/internal/download"
	"bitriver-submerger/internal/feedstore"
	"bitriver-submerger/internal/feedwatcher"
	"bitriver-submerger/internal/mediatool"
	"bitriver-submerger/internal/observability/logging"
	"bitriver-submerger/internal/observability/metrics"
	"bitriver-submerger/internal/pipeline"
	"bitriver-submerger/internal/post"
	"bitriver-submerger/internal/progress"
	"bitriver-submerger/internal/router"
	"bitriver-submerger/internal/serverutil"
	"bitriver-submerger/internal/sessionstore"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file supplementing flags and environment variables")
	adminAddr := flag.String("admin-addr", "", "operator HTTP surface listen address")
	workDir := flag.String("work-dir", "", "base directory for session temp files")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error); info when unset")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	logTailSize := flag.Int("log-tail-size", 0, "number of recent log lines retained for /logs")

	ownersFlag := flag.String("owners", "", "comma separated authorized principal ids")
	botUsername := flag.String("bot-username", "", "chat platform username this bot runs as")
	storageChannelID := flag.Int64("storage-channel-id", 0, "durable storage channel id")
	announcementChannelID := flag.Int64("announcement-channel-id", 0, "public announcement channel id")

	aria2Host := flag.String("aria2-host", "", "aria2 JSON-RPC host")
	aria2Port := flag.Int("aria2-port", 0, "aria2 JSON-RPC port")
	aria2Secret := flag.String("aria2-secret", "", "aria2 JSON-RPC secret token")
	mediaToolBin := flag.String("media-tool-bin", "", "path to the media-processing binary")
	defaultFontPath := flag.String("default-font-path", "", "fallback font file path")
	defaultThumbnailPath := flag.String("default-thumbnail-path", "", "fallback thumbnail file path")
	shortDescriptions := flag.Bool("short-descriptions", false, "truncate post descriptions to the short-form limit")

	feedStoreDriver := flag.String("feed-store-driver", "", "feed dedup store driver (memory, json, postgres, redis); memory when unset")
	feedStorePath := flag.String("feed-store-path", "", "path to the JSON feed dedup store")
	feedPostgresDSN := flag.String("feed-postgres-dsn", "", "Postgres DSN for the feed dedup store")
	feedRedisAddr := flag.String("feed-redis-addr", "", "Redis address for the feed dedup store")
	feedRSSURL := flag.String("feed-rss-url", "", "RSS feed URL the Feed Watcher polls")
	feedCheckInterval := flag.Duration("feed-check-interval", 0, "Feed Watcher poll interval")
	feedStartEnabled := flag.Bool("feed-start-enabled", false, "start the Feed Watcher enabled")

	adminTokenHash := flag.String("admin-token-hash", "", "pbkdf2-encoded bearer token required for /debug/sessions")

	flag.Parse()

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  config.StringOr(firstNonEmpty(*logLevel, os.Getenv("SUBMERGER_LOG_LEVEL")), fileCfg.LogLevel),
		Format: config.StringOr(firstNonEmpty(*logFormat, os.Getenv("SUBMERGER_LOG_FORMAT")), fileCfg.LogFormat),
	})
	tailSize := *logTailSize
	if tailSize <= 0 {
		tailSize = 200
	}
	tailBuffer := logging.NewTailBuffer(tailSize)
	logger = slog.New(logging.NewTailHandler(logger.Handler(), tailBuffer))
	slog.SetDefault(logger)

	recorder := metrics.New()

	owners := parseOwners(config.StringOr(firstNonEmpty(*ownersFlag, os.Getenv("SUBMERGER_OWNERS")), fileCfg.Owners))
	if len(owners) == 0 {
		logger.Warn("no authorized owners configured; every command will be refused")
	}

	store := sessionstore.New(sessionstore.Config{Logger: logger, Metrics: recorder})
	defer store.Close()

	chat := chatadapter.NewNoopClient()

	dl := download.New(download.Config{
		Host:    config.StringOr(firstNonEmpty(*aria2Host, os.Getenv("SUBMERGER_ARIA2_HOST")), fileCfg.Aria2Host),
		Port:    config.IntOr(*aria2Port, fileCfg.Aria2Port),
		Secret:  config.StringOr(firstNonEmpty(*aria2Secret, os.Getenv("SUBMERGER_ARIA2_SECRET")), fileCfg.Aria2Secret),
		Logger:  logger,
		Metrics: recorder,
	})
	tool := mediatool.New(mediatool.Config{
		BinPath: config.StringOr(firstNonEmpty(*mediaToolBin, os.Getenv("SUBMERGER_MEDIA_TOOL_BIN")), fileCfg.MediaToolBin),
		Logger:  logger,
		Metrics: recorder,
	})
	reporter := progress.New(progress.Config{Client: chat, Logger: logger, Metrics: recorder})
	postBuilder := post.New(*shortDescriptions)

	resolvedAnnouncementChannelID := config.Int64Or(*announcementChannelID, fileCfg.AnnouncementChannelID)
	resolvedStorageChannelID := config.Int64Or(*storageChannelID, fileCfg.StorageChannelID)
	hasAnnouncement := resolvedAnnouncementChannelID != 0
	orchestrator := pipeline.New(pipeline.Config{
		Sessions:               store,
		Chat:                   chat,
		Progress:               reporter,
		Download:               dl,
		MediaTool:              tool,
		Post:                   postBuilder,
		BotUsername:            config.StringOr(firstNonEmpty(*botUsername, os.Getenv("SUBMERGER_BOT_USERNAME")), fileCfg.BotUsername),
		StorageChannelID:       resolvedStorageChannelID,
		AnnouncementChannelID:  resolvedAnnouncementChannelID,
		HasAnnouncementChannel: hasAnnouncement,
		WorkDir:                firstNonEmpty(*workDir, os.Getenv("SUBMERGER_WORK_DIR")),
		DefaultFontPath:        config.StringOr(firstNonEmpty(*defaultFontPath, os.Getenv("SUBMERGER_DEFAULT_FONT_PATH")), fileCfg.DefaultFontPath),
		DefaultThumbnailPath:   config.StringOr(firstNonEmpty(*defaultThumbnailPath, os.Getenv("SUBMERGER_DEFAULT_THUMBNAIL_PATH")), fileCfg.DefaultThumbnailPath),
		Logger:                 logger,
		Metrics:                recorder,
	})

	resolvedFeedInterval := *feedCheckInterval
	if resolvedFeedInterval == 0 && fileCfg.FeedCheckInterval != "" {
		parsed, err := time.ParseDuration(fileCfg.FeedCheckInterval)
		if err != nil {
			logger.Error("invalid feedCheckInterval in config file", "error", err)
			os.Exit(1)
		}
		resolvedFeedInterval = parsed
	}

	feedBackend, err := buildFeedStore(
		config.StringOr(*feedStoreDriver, fileCfg.FeedStoreDriver),
		config.StringOr(*feedStorePath, fileCfg.FeedStorePath),
		config.StringOr(*feedPostgresDSN, fileCfg.FeedPostgresDSN),
		config.StringOr(*feedRedisAddr, fileCfg.FeedRedisAddr),
	)
	if err != nil {
		logger.Error("failed to open feed dedup store", "error", err)
		os.Exit(1)
	}
	var watcher *feedwatcher.Watcher
	if rssURL := config.StringOr(firstNonEmpty(*feedRSSURL, os.Getenv("SUBMERGER_FEED_RSS_URL")), fileCfg.FeedRSSURL); rssURL != "" {
		watcher = feedwatcher.New(feedwatcher.Config{
			Source:       feedwatcher.NewHTTPSource(rssURL),
			Store:        feedBackend,
			Chat:         chat,
			Channels:     announcementChannels(resolvedAnnouncementChannelID),
			Interval:     resolvedFeedInterval,
			StartEnabled: *feedStartEnabled,
			Logger:       logger,
			Metrics:      recorder,
		})
	}

	// A nil *feedwatcher.Watcher assigned directly to the FeedToggler
	// interface field would produce a non-nil interface wrapping a nil
	// pointer, so the interface value is only populated when a watcher
	// actually exists.
	var feedToggler router.FeedToggler
	if watcher != nil {
		feedToggler = watcher
	}

	rtr := router.New(router.Config{
		Chat:                   chat,
		Sessions:               store,
		Pipeline:               orchestrator,
		Owners:                 owners,
		AnnouncementChannelID:  resolvedAnnouncementChannelID,
		HasAnnouncementChannel: hasAnnouncement,
		Feed:                   feedToggler,
		Logs:                   tailBuffer,
		Logger:                 logger,
		Metrics:                recorder,
	})
	_ = rtr // Register wired OnMessage/OnCallback as a side effect of New.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var watcherErrs chan error
	if watcher != nil {
		watcherErrs = make(chan error, 1)
		go func() {
			watcherErrs <- watcher.Run(ctx)
		}()
	}

	resolvedAdminAddr := config.StringOr(firstNonEmpty(*adminAddr, os.Getenv("SUBMERGER_ADMIN_ADDR")), fileCfg.AdminAddr)
	if resolvedAdminAddr == "" {
		resolvedAdminAddr = ":8081"
	}
	adminSrv := adminhttp.New(resolvedAdminAddr, adminhttp.Config{
		Metrics:         recorder,
		Sessions:        store,
		BearerTokenHash: config.StringOr(firstNonEmpty(*adminTokenHash, os.Getenv("SUBMERGER_ADMIN_TOKEN_HASH")), fileCfg.AdminTokenHash),
		Logger:          logger,
	})

	runErrs := make(chan error, 1)
	go func() {
		logger.Info("admin http surface listening", "addr", adminSrv.HTTPServer().Addr)
		runErrs <- serverutil.Run(ctx, serverutil.Config{Server: adminSrv.HTTPServer()})
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErrs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin http surface exited", "error", err)
		}
	case err := <-watcherErrs:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feed watcher exited", "error", err)
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if feedBackend != nil {
		if err := feedBackend.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close feed dedup store", "error", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOwners(raw string) router.OwnerSet {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return router.NewOwnerSet(ids...)
}

func announcementChannels(channelID int64) []int64 {
	if channelID == 0 {
		return nil
	}
	return []int64{channelID}
}

func buildFeedStore(driver, jsonPath, postgresDSN, redisAddr string) (feedstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return feedstore.NewMemoryStore(), nil
	case "json":
		if jsonPath == "" {
			return nil, fmt.Errorf("feed-store-path is required for the json driver")
		}
		return feedstore.NewJSONStore(jsonPath)
	case "postgres":
		return feedstore.NewPostgresStore(postgresDSN)
	case "redis":
		return feedstore.NewRedisStore(feedstore.RedisConfig{Addr: redisAddr})
	default:
		return nil, fmt.Errorf("unknown feed store driver %q", driver)
	}
}
