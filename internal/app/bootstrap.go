package app

import (
	"context"
	"fmt"
	"strings"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/membership"
	"gatebot/internal/storage"
	"gatebot/internal/task/scheduler"
	logx "gatebot/pkg/logx"
)

// validateConfig holds the checks that need packages config cannot import.
// It runs on first load and before every hot reload is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Gate.Sweep.Enabled {
		if _, err := scheduler.ParseSchedule(cfg.Gate.Sweep.ScheduleOrDefault()); err != nil {
			return fmt.Errorf("gate.sweep.schedule: %w", err)
		}
	}
	if cfg.Verification.Callback.Enabled && strings.TrimSpace(cfg.Verification.Callback.PublicURL) == "" {
		return fmt.Errorf("verification.callback.public_url is required when the callback server is enabled")
	}
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.DriverOrDefault(),
		Path:        cfg.Storage.PathOrDefault(),
		BusyTimeout: cfg.Storage.BusyTimeoutDur(),
	}
}

func channels(cfg *config.Config) []membership.Channel {
	out := make([]membership.Channel, 0, len(cfg.Gate.Channels))
	for _, ch := range cfg.Gate.Channels {
		out = append(out, membership.Channel{
			ID:        strings.TrimSpace(ch.ID),
			Name:      strings.TrimSpace(ch.Name),
			InviteURL: strings.TrimSpace(ch.InviteURL),
		})
	}
	return out
}

// openSessions builds the broadcast session store. The returned close func
// is never nil.
func openSessions(cfg config.SessionsConfig, log logx.Logger) (broadcast.SessionStore, func(), error) {
	if strings.EqualFold(cfg.Driver, "redis") {
		rs, err := broadcast.DialRedis(broadcast.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefixOrDefault(),
			TTL:       cfg.TTLDur(),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("broadcast sessions in redis", logx.String("addr", cfg.Redis.Addr))
		return rs, rs.Close, nil
	}
	return broadcast.NewMemoryStore(cfg.TTLDur()), func() {}, nil
}

func dispatcherOptions(cfg config.BroadcastConfig) broadcast.DispatcherOptions {
	return broadcast.DispatcherOptions{
		MinDelay:         cfg.MinDelayDur(),
		SendTimeout:      cfg.SendTimeoutDur(),
		ProgressEvery:    cfg.ProgressEveryOrDefault(),
		ProgressInterval: cfg.ProgressIntervalDur(),
		Serialize:        cfg.SerializeDispatch(),
		Header:           cfg.HeaderOrDefault(),
		ParseMode:        cfg.ParseMode,
		Markup:           broadcastMarkup,
	}
}
