package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvTelegramToken = "GATEBOT_TELEGRAM_TOKEN"
	EnvBotUsername   = "GATEBOT_BOT_USERNAME"
	EnvAdminIDs      = "GATEBOT_ADMIN_IDS"
	EnvAdGateAPIKey  = "GATEBOT_ADGATE_API_KEY"
	EnvRedisPassword = "GATEBOT_REDIS_PASSWORD"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays secrets from the environment onto cfg.
func ApplyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBotUsername)); v != "" {
		cfg.Telegram.BotUsername = strings.TrimPrefix(v, "@")
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdGateAPIKey)); v != "" {
		cfg.Verification.AdGate.APIKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Broadcast.Sessions.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminIDs)); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return err
		}
		cfg.Telegram.AdminUserIDs = ids
	}
	return nil
}

// parseIDList parses "1, 2,3" into ids.
func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.New(EnvAdminIDs + ": invalid id " + strconv.Quote(part))
		}
		out = append(out, id)
	}
	return out, nil
}
