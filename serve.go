package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"leadbot/internal/config"
	"leadbot/internal/httpapi"
	"leadbot/src"
	"leadbot/src/bot"
	"leadbot/src/buffer"
	"leadbot/src/conversation"
	"leadbot/src/leads"
	"leadbot/src/llm"
	"leadbot/src/lock"
	"leadbot/src/logger"
	"leadbot/src/media"
	"leadbot/src/pipeline"
	"leadbot/src/retry"
	"leadbot/src/storage"
	"leadbot/src/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat bridge and answer conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// ====== Wiring ======

func retryPolicy(cfg *src.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.RetryConfig.MaxAttempts,
		BaseDelay:      cfg.RetryConfig.BaseDelay,
		MaxDelay:       cfg.RetryConfig.MaxDelay,
		Jitter:         cfg.RetryConfig.Jitter,
		ThrottleFactor: cfg.RetryConfig.ThrottleFactor,
	}
}

func lockOptions(cfg *src.Config) lock.Options {
	return lock.Options{
		PollMin: cfg.LockConfig.PollMin,
		PollMax: cfg.LockConfig.PollMax,
		MaxWait: cfg.LockConfig.MaxWait,
		MaxHold: cfg.LockConfig.MaxHold,
	}
}

// newLocker selects the lock backend. The file and redis backends also
// serialize the record store across processes.
func newLocker(cfg *src.Config, rdb *redis.Client, log zerolog.Logger) (lock.Locker, error) {
	opts := lockOptions(cfg)
	switch strings.ToLower(cfg.LockConfig.Backend) {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis lock backend needs REDIS_URL")
		}
		return lock.NewManager(lock.NewRedisBackend(rdb, opts.MaxHold), opts, log), nil
	case "file":
		backend, err := lock.NewFileBackend(cfg.LockConfig.Dir, opts.MaxHold, log)
		if err != nil {
			return nil, err
		}
		return lock.NewManager(backend, opts, log), nil
	default:
		return lock.NewMemory(opts, log), nil
	}
}

func newSnapshotStore(cfg *src.Config, rdb *redis.Client, log zerolog.Logger) (conversation.SnapshotStore, error) {
	if rdb != nil {
		log.Info().Msg("Conversation snapshots stored in Redis")
		return conversation.NewRedisSnapshotStore(rdb, cfg.ConversationConfig.SnapshotTTL), nil
	}
	store, err := conversation.NewFileSnapshotStore(cfg.ConversationConfig.SnapshotDir, cfg.ConversationConfig.SnapshotTTL)
	if err != nil {
		return nil, err
	}
	if n, err := store.Prune(); err != nil {
		log.Warn().Err(err).Msg("Failed to prune expired snapshots")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Pruned expired conversation snapshots")
	}
	return store, nil
}

func openRecorder(ctx context.Context, cfg *src.Config, locker lock.Locker, log zerolog.Logger) (*leads.Recorder, leads.RecordStore, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	store, err := leads.OpenSQLStore(ctx, cfg.StoreConfig.Driver, cfg.StoreConfig.DSN)
	if err != nil {
		return nil, nil, err
	}
	recorder := leads.NewRecorder(store, locker, retryPolicy(cfg), leads.RecorderOptions{
		Source:   cfg.StoreConfig.Source,
		Campaign: cfg.StoreConfig.Campaign,
		Location: loc,
	}, log)
	return recorder, store, nil
}

func serve(ctx context.Context, cfg *src.Config) error {
	log := logger.Logger
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisConfig.URL != "" {
		if rdb, err = storage.NewRedisClient(ctx, cfg.RedisConfig.URL); err != nil {
			return err
		}
		defer rdb.Close()
	}

	locker, err := newLocker(cfg, rdb, logger.With("lock"))
	if err != nil {
		return err
	}

	snapshots, err := newSnapshotStore(cfg, rdb, log)
	if err != nil {
		return err
	}
	machine := conversation.NewMachine(conversation.Options{
		Capacity:     cfg.ConversationConfig.Capacity,
		IdleTimeout:  cfg.ConversationConfig.IdleTimeout,
		HistoryTurns: cfg.ConversationConfig.HistoryTurns,
		Location:     loc,
	}, snapshots, logger.With("conversation"))
	scheduler := conversation.NewScheduler(machine, cfg.ConversationConfig.SweepEvery, cfg.ConversationConfig.SnapshotEvery, log)

	recorder, store, err := openRecorder(ctx, cfg, locker, logger.With("leads"))
	if err != nil {
		return err
	}
	defer store.Close()

	chatModel, err := llm.NewChatModel(ctx, cfg.LLMConfig)
	if err != nil {
		return err
	}
	client, err := llm.NewClient(ctx, chatModel, cfg.LLMConfig.Timeout, logger.With("llm"))
	if err != nil {
		return err
	}

	content, err := config.NewWatcher(cfg.ContentFile, logger.With("content"))
	if err != nil {
		return err
	}

	pipe := pipeline.New(client, machine, recorder, pipeline.Options{
		Policy:   retryPolicy(cfg),
		Strategy: conversation.NewReplyContextStrategy(cfg.ConversationConfig.HistoryTurns, loc),
		Content:  content,
	}, logger.With("pipeline"))

	bridge := transport.NewWSBridge(transport.BridgeOptions{
		URL:   cfg.TransportConfig.BridgeURL,
		Token: cfg.TransportConfig.BridgeToken,
	}, logger.With("bridge"))
	sender := transport.NewSender(bridge, cfg.TransportConfig.SendAttempts, cfg.TransportConfig.SendStep, logger.With("sender"))

	sink, err := media.NewFileSink(cfg.MediaConfig.Dir, "")
	if err != nil {
		return err
	}

	engine := bot.New(bridge, sender, pipe, locker, sink, content, bot.Options{
		Buffer: buffer.Options{
			QuietWindow: cfg.BufferConfig.QuietWindow,
			MaxDelay:    cfg.BufferConfig.MaxDelay,
		},
		BusyPolicy:     strings.ToLower(cfg.BufferConfig.BusyPolicy),
		MediaMaxBytes:  cfg.MediaConfig.MaxBytes,
		ProcessTimeout: cfg.ConversationConfig.TurnTimeout,
		Reconnect: transport.ReconnectOptions{
			BaseDelay:   cfg.TransportConfig.ReconnectBase,
			MaxAttempts: cfg.TransportConfig.ReconnectAttempts,
		},
	}, logger.With("engine"))

	api := httpapi.NewServer(cfg.HTTPConfig.Addr, cfg.HTTPConfig.Token, engine, machine.Len, logger.With("http"))

	scheduler.Start(ctx)
	defer scheduler.Stop(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return api.ListenAndServe(gctx) })
	g.Go(func() error { return content.Run(gctx) })

	log.Info().
		Str("bridge", cfg.TransportConfig.BridgeURL).
		Str("lock_backend", cfg.LockConfig.Backend).
		Str("busy_policy", cfg.BufferConfig.BusyPolicy).
		Str("timezone", loc.String()).
		Msg("leadbot started")

	err = g.Wait()
	log.Info().Msg("leadbot stopped")
	return err
}
