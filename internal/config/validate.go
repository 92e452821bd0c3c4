package config

import (
	"errors"
	"fmt"
	"strings"

	"wadispatch/internal/task/scheduler"
	"wadispatch/pkg/validate"
)

// Validate checks struct tags first, then the cross-field rules tags cannot
// express: duration syntax, clock times, and references between sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	var errs []error
	for path, raw := range durationFields(cfg) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	for path, raw := range map[string]string{
		"scheduler.birthday_at": cfg.Scheduler.BirthdayAt,
		"scheduler.prune_at":    cfg.Scheduler.PruneAt,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, _, err := scheduler.ParseClock(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	ids := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		ids[ch.ID] = struct{}{}
		switch ch.Driver {
		case "gateway":
			if cfg.Drivers.Gateway == nil {
				errs = append(errs, fmt.Errorf("channels[%d]: driver gateway is not configured", i))
			}
		case "telegram":
			if cfg.Drivers.Telegram == nil {
				errs = append(errs, fmt.Errorf("channels[%d]: driver telegram is not configured", i))
			}
		}
	}
	if id := cfg.Reporter.ChannelID; id != "" {
		if _, ok := ids[id]; !ok {
			errs = append(errs, fmt.Errorf("reporter.channel_id: unknown channel %q", id))
		}
	}
	if op := cfg.Logging.Operator; op.Enabled {
		if _, ok := ids[op.ChannelID]; !ok {
			errs = append(errs, fmt.Errorf("logging.operator.channel_id: unknown channel %q", op.ChannelID))
		}
	}
	return errors.Join(errs...)
}

func durationFields(cfg *Config) map[string]string {
	out := map[string]string{
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"scheduler.retention":        cfg.Scheduler.Retention,
		"scheduler.due_every":        cfg.Scheduler.DueEvery,
		"scheduler.completion_every": cfg.Scheduler.CompletionEvery,
		"scheduler.reconcile_every":  cfg.Scheduler.ReconcileEvery,
		"dispatch.human_delay_min":   cfg.Dispatch.HumanDelayMin,
		"dispatch.human_delay_max":   cfg.Dispatch.HumanDelayMax,
		"dispatch.store_retry":       cfg.Dispatch.StoreRetry,
		"notifier.timeout":           cfg.Notifier.Timeout,
		"notifier.retry_base":        cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":   cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":      cfg.Notifier.DedupWindow,
		"receipts.ttl":               cfg.Receipts.TTL,
	}
	if cfg.TaskEngine != nil {
		out["task_engine.default_timeout"] = cfg.TaskEngine.DefaultTimeout
	}
	if g := cfg.Drivers.Gateway; g != nil {
		out["drivers.gateway.timeout"] = g.Timeout
	}
	if t := cfg.Drivers.Telegram; t != nil {
		out["drivers.telegram.timeout"] = t.Timeout
	}
	addRateLimit(out, "rate_limit", cfg.RateLimit)
	for i, ch := range cfg.Channels {
		p := fmt.Sprintf("channels[%d]", i)
		out[p+".human_delay_min"] = ch.HumanDelayMin
		out[p+".human_delay_max"] = ch.HumanDelayMax
		if ch.RateLimit != nil {
			addRateLimit(out, p+".rate_limit", *ch.RateLimit)
		}
	}
	return out
}

func addRateLimit(out map[string]string, prefix string, rl RateLimitConfig) {
	out[prefix+".min_delay"] = rl.MinDelay
	out[prefix+".max_delay"] = rl.MaxDelay
	out[prefix+".burst_gap"] = rl.BurstGap
	out[prefix+".cooldown"] = rl.Cooldown
	out[prefix+".warn_throttle"] = rl.WarnThrottle
	out[prefix+".critical_throttle"] = rl.CriticalThrottle
	out[prefix+".decay_after"] = rl.DecayAfter
}
