package config

import (
	"reflect"

	logx "gatebot/pkg/logx"
)

// Sections that apply without a restart.
const (
	SectionLogging = "logging"
	SectionAdmins  = "telegram.admins"
)

// SummarizeConfigChange lists the changed sections and safe log fields for
// them. Secrets (token, api key, redis password) are never included, only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field
	mark := func(section string, f ...logx.Field) {
		changed = append(changed, section)
		fields = append(fields, f...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(o.AdminUserIDs, n.AdminUserIDs) {
		mark(SectionAdmins, logx.Int("telegram.admin_count", len(n.AdminUserIDs)))
	}
	if o.Token != n.Token || o.BotUsername != n.BotUsername || o.GroupLog != n.GroupLog ||
		o.PollTimeout != n.PollTimeout || o.RequestTimeout != n.RequestTimeout {
		mark("telegram",
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.bot_username", n.BotUsername),
			logx.Bool("telegram.group_log_set", n.GroupLog != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark(SectionLogging,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.path", newCfg.Storage.PathOrDefault()))
	}
	if !reflect.DeepEqual(oldCfg.Gate, newCfg.Gate) {
		mark("gate",
			logx.Int("gate.channels", len(newCfg.Gate.Channels)),
			logx.Duration("gate.membership_ttl", newCfg.Gate.MembershipTTLDur()),
			logx.Bool("gate.sweep", newCfg.Gate.Sweep.Enabled),
		)
	}
	ov, nv := oldCfg.Verification, newCfg.Verification
	ov.AdGate.APIKey, nv.AdGate.APIKey = "", ""
	if !reflect.DeepEqual(ov, nv) || oldCfg.Verification.AdGate.APIKey != newCfg.Verification.AdGate.APIKey {
		mark("verification",
			logx.Duration("verification.redeem_window", newCfg.Verification.RedeemWindowDur()),
			logx.Duration("verification.grant_window", newCfg.Verification.GrantWindowDur()),
			logx.Bool("verification.ad_gate_key_set", newCfg.Verification.AdGate.APIKey != ""),
			logx.Bool("verification.callback", newCfg.Verification.Callback.Enabled),
		)
	}
	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	ob.Sessions.Redis.Password, nb.Sessions.Redis.Password = "", ""
	if !reflect.DeepEqual(ob, nb) || oldCfg.Broadcast.Sessions.Redis.Password != newCfg.Broadcast.Sessions.Redis.Password {
		mark("broadcast",
			logx.Duration("broadcast.min_delay", newCfg.Broadcast.MinDelayDur()),
			logx.Int("broadcast.progress_every", newCfg.Broadcast.ProgressEveryOrDefault()),
			logx.String("broadcast.sessions", newCfg.Broadcast.Sessions.Driver),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	return changed, fields
}

// RequiresRestart reports whether any changed section only applies on restart.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		if s != SectionLogging && s != SectionAdmins {
			return true
		}
	}
	return false
}
