package config

import (
	"strconv"
	"strings"
	"time"
)

// Defaults used when a field is omitted or zero.
const (
	DefaultMembershipTTL    = 30 * time.Minute
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbeConcurrency = 4

	DefaultSweepSchedule  = "@every 1h"
	DefaultSweepStaleness = 24 * time.Hour
	DefaultSweepDelay     = 50 * time.Millisecond
	DefaultSweepBatch     = 200
	DefaultSweepLogEvery  = 20

	DefaultRedeemWindow = time.Hour
	DefaultGrantWindow  = 24 * time.Hour
	DefaultAdGateURL    = "https://shrinkme.io/api"
	DefaultAdGateTTL    = 10 * time.Second
	DefaultAdGateTries  = 2
	DefaultCallbackAddr = "127.0.0.1:8080"

	DefaultMinDelay         = 50 * time.Millisecond
	DefaultSendTimeout      = 10 * time.Second
	DefaultProgressEvery    = 20
	DefaultProgressInterval = 5 * time.Second
	DefaultHeader           = "📣 ANNOUNCEMENT 📣"
	DefaultSessionTTL       = 30 * time.Minute
	DefaultRedisKeyPrefix   = "gatebot:bc:"

	DefaultPollTimeout    = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultSQLitePath     = "./data/gatebot.db"
	DefaultBusyTimeout    = 5 * time.Second
)

func (t TelegramConfig) PollTimeoutDur() time.Duration {
	return durationOr(t.PollTimeout, DefaultPollTimeout)
}

func (t TelegramConfig) RequestTimeoutDur() time.Duration {
	return durationOr(t.RequestTimeout, DefaultRequestTimeout)
}

// GroupLogChatID returns the numeric log chat id, or 0 when unset or invalid.
func (t TelegramConfig) GroupLogChatID() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(t.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s StorageConfig) DriverOrDefault() string {
	if d := strings.ToLower(strings.TrimSpace(s.Driver)); d != "" {
		return d
	}
	return "sqlite"
}

func (s StorageConfig) PathOrDefault() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	return DefaultSQLitePath
}

func (s StorageConfig) BusyTimeoutDur() time.Duration {
	return durationOr(s.BusyTimeout, DefaultBusyTimeout)
}

func (g GateConfig) MembershipTTLDur() time.Duration {
	return durationOr(g.MembershipTTL, DefaultMembershipTTL)
}

func (g GateConfig) ProbeTimeoutDur() time.Duration {
	return durationOr(g.ProbeTimeout, DefaultProbeTimeout)
}

func (g GateConfig) ProbeConcurrencyOrDefault() int {
	if g.ProbeConcurrency > 0 {
		return g.ProbeConcurrency
	}
	return DefaultProbeConcurrency
}

func (s SweepConfig) ScheduleOrDefault() string {
	if v := strings.TrimSpace(s.Schedule); v != "" {
		return v
	}
	return DefaultSweepSchedule
}

func (s SweepConfig) StalenessDur() time.Duration { return durationOr(s.Staleness, DefaultSweepStaleness) }
func (s SweepConfig) DelayDur() time.Duration     { return durationOr(s.Delay, DefaultSweepDelay) }

func (s SweepConfig) BatchOrDefault() int {
	if s.Batch > 0 {
		return s.Batch
	}
	return DefaultSweepBatch
}

func (s SweepConfig) LogEveryOrDefault() int {
	if s.LogEvery > 0 {
		return s.LogEvery
	}
	return DefaultSweepLogEvery
}

func (v VerificationConfig) RedeemWindowDur() time.Duration {
	return durationOr(v.RedeemWindow, DefaultRedeemWindow)
}

func (v VerificationConfig) GrantWindowDur() time.Duration {
	return durationOr(v.GrantWindow, DefaultGrantWindow)
}

func (a AdGateConfig) EndpointOrDefault() string {
	if e := strings.TrimSpace(a.Endpoint); e != "" {
		return e
	}
	return DefaultAdGateURL
}

func (a AdGateConfig) TimeoutDur() time.Duration { return durationOr(a.Timeout, DefaultAdGateTTL) }

func (a AdGateConfig) RetriesOrDefault() int {
	if a.Retries > 0 {
		return a.Retries
	}
	return DefaultAdGateTries
}

func (c CallbackConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultCallbackAddr
}

func (b BroadcastConfig) MinDelayDur() time.Duration { return durationOr(b.MinDelay, DefaultMinDelay) }
func (b BroadcastConfig) SendTimeoutDur() time.Duration {
	return durationOr(b.SendTimeout, DefaultSendTimeout)
}

func (b BroadcastConfig) ProgressEveryOrDefault() int {
	if b.ProgressEvery > 0 {
		return b.ProgressEvery
	}
	return DefaultProgressEvery
}

func (b BroadcastConfig) ProgressIntervalDur() time.Duration {
	return durationOr(b.ProgressInterval, DefaultProgressInterval)
}

func (b BroadcastConfig) HeaderOrDefault() string {
	if h := strings.TrimSpace(b.Header); h != "" {
		return h
	}
	return DefaultHeader
}

func (s SessionsConfig) TTLDur() time.Duration { return durationOr(s.TTL, DefaultSessionTTL) }

func (r RedisConfig) KeyPrefixOrDefault() string {
	if p := strings.TrimSpace(r.KeyPrefix); p != "" {
		return p
	}
	return DefaultRedisKeyPrefix
}
