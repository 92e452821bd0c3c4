package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"wadispatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the IDs of channels that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}

	// Storage (never log dsn, it may carry credentials)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}

	oldTE, newTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if oldTE != newTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newTE.Workers),
			logx.Int("task_engine.queue_size", newTE.QueueSize),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.birthday_at", newCfg.Scheduler.BirthdayAt),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.per_minute", newCfg.RateLimit.PerMinute),
			logx.Int("rate_limit.per_hour", newCfg.RateLimit.PerHour),
			logx.Int("rate_limit.per_day", newCfg.RateLimit.PerDay),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.human_delay_min", newCfg.Dispatch.HumanDelayMin),
			logx.String("dispatch.human_delay_max", newCfg.Dispatch.HumanDelayMax),
		)
	}

	channels := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(channels) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Int("channels.count", len(newCfg.Channels)),
			logx.Int("channels.changed", len(channels)),
		)
	}

	// Drivers (never log tokens)
	if !reflect.DeepEqual(oldCfg.Drivers, newCfg.Drivers) {
		changed = append(changed, "drivers")
		attrs = append(attrs,
			logx.Bool("drivers.gateway", newCfg.Drivers.Gateway != nil),
			logx.Bool("drivers.telegram", newCfg.Drivers.Telegram != nil),
		)
	}

	if oldCfg.Reporter != newCfg.Reporter {
		changed = append(changed, "reporter")
		attrs = append(attrs,
			logx.String("reporter.channel_id", newCfg.Reporter.ChannelID),
			logx.Bool("reporter.recipient_set", newCfg.Reporter.Recipient != ""),
		)
	}

	// Notifier (never log token)
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if oldCfg.Receipts != newCfg.Receipts {
		changed = append(changed, "receipts")
		attrs = append(attrs, logx.String("receipts.driver", newCfg.Receipts.Driver))
	}

	return changed, attrs, channels
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffChannels(oldL, newL []ChannelConfig) []string {
	oldM := indexChannels(oldL)
	newM := indexChannels(newL)
	var out []string
	for id, n := range newM {
		if o, ok := oldM[id]; !ok || o != n {
			out = append(out, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// indexChannels keys channels by ID with a canonical JSON form as value, so
// pointer fields compare by content.
func indexChannels(l []ChannelConfig) map[string]string {
	m := make(map[string]string, len(l))
	for _, ch := range l {
		b, _ := json.Marshal(ch)
		m[ch.ID] = string(b)
	}
	return m
}
