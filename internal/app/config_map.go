package app

import (
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/channel/gateway"
	"wadispatch/internal/channel/telegram"
	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/jobs"
	"wadispatch/internal/notifier"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/receipts"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
	"wadispatch/pkg/logx"
)

const defaultSQLitePath = "wadispatch.db"

func mapLoggingConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = defaultSQLitePath
		}
	case "mysql", "postgres":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: dsn, BusyTimeout: busy, MaxOpenConns: sc.MaxOpenConns}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapJobsConfig(cfg *Config) (jobs.Config, error) {
	sc := cfg.Scheduler
	out := jobs.Config{BirthdayAt: sc.BirthdayAt, PruneAt: sc.PruneAt}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.due_every", sc.DueEvery, &out.DueEvery},
		{"scheduler.completion_every", sc.CompletionEvery, &out.CompletionEvery},
		{"scheduler.reconcile_every", sc.ReconcileEvery, &out.ReconcileEvery},
		{"scheduler.retention", sc.Retention, &out.Retention},
	} {
		d, err := parseDurationField(f.path, f.raw)
		if err != nil {
			return jobs.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// mapRateLimit converts one rate_limit block. Zero fields stay zero and are
// filled by the limiter from its defaults.
func mapRateLimit(path string, rl config.RateLimitConfig) (ratelimit.Config, error) {
	out := ratelimit.Config{
		PerMinute:     rl.PerMinute,
		PerHour:       rl.PerHour,
		PerDay:        rl.PerDay,
		BurstLimit:    rl.BurstLimit,
		WarnThreshold: rl.WarnThreshold,
		EscalateAfter: rl.EscalateAfter,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"min_delay", rl.MinDelay, &out.MinDelay},
		{"max_delay", rl.MaxDelay, &out.MaxDelay},
		{"burst_gap", rl.BurstGap, &out.BurstGap},
		{"cooldown", rl.Cooldown, &out.Cooldown},
		{"warn_throttle", rl.WarnThrottle, &out.WarnThrottle},
		{"critical_throttle", rl.CriticalThrottle, &out.CriticalThrottle},
		{"decay_after", rl.DecayAfter, &out.DecayAfter},
	} {
		d, err := parseDurationField(path+"."+f.name, f.raw)
		if err != nil {
			return ratelimit.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

type dispatchSettings struct {
	delayMin, delayMax time.Duration
	storeRetry         time.Duration
}

func mapDispatchConfig(cfg *Config) (dispatchSettings, error) {
	var out dispatchSettings
	var err error
	if out.delayMin, out.delayMax, err = mapDelay("dispatch", cfg.Dispatch.HumanDelayMin, cfg.Dispatch.HumanDelayMax); err != nil {
		return dispatchSettings{}, err
	}
	if out.delayMin == 0 && out.delayMax == 0 {
		out.delayMin, out.delayMax = dispatch.DefaultHumanDelayMin, dispatch.DefaultHumanDelayMax
	}
	if out.storeRetry, err = parseDurationField("dispatch.store_retry", cfg.Dispatch.StoreRetry); err != nil {
		return dispatchSettings{}, err
	}
	return out, nil
}

// mapDelay parses a human delay range. Both zero means "inherit".
func mapDelay(path, minRaw, maxRaw string) (time.Duration, time.Duration, error) {
	lo, err := parseDurationField(path+".human_delay_min", minRaw)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseDurationField(path+".human_delay_max", maxRaw)
	if err != nil {
		return 0, 0, err
	}
	if hi != 0 && hi < lo {
		return 0, 0, fmt.Errorf("%s: human_delay_max must be >= human_delay_min", path)
	}
	return lo, hi, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:         nc.Enabled,
		URL:             strings.TrimSpace(nc.URL),
		Token:           nc.Token,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	var err error
	if out.Timeout, err = parseDurationField("notifier.timeout", nc.Timeout); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase, err = parseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 30*time.Second); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

type receiptsSettings struct {
	driver string
	valkey receipts.ValkeyConfig
	ttl    time.Duration
}

func mapReceiptsConfig(cfg *Config) (receiptsSettings, error) {
	rc := cfg.Receipts
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	if driver == "" {
		driver = "memory"
	}
	ttl, err := parseDurationOrDefault("receipts.ttl", rc.TTL, receipts.DefaultTTL)
	if err != nil {
		return receiptsSettings{}, err
	}
	return receiptsSettings{
		driver: driver,
		ttl:    ttl,
		valkey: receipts.ValkeyConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, TTL: ttl},
	}, nil
}

func mapGatewayConfig(gc *config.GatewayConfig) (gateway.Config, error) {
	timeout, err := parseDurationField("drivers.gateway.timeout", gc.Timeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		BaseURL:    gc.BaseURL,
		Token:      gc.Token,
		Timeout:    timeout,
		RatePerSec: gc.RatePerSec,
		RetryMax:   gc.RetryMax,
	}, nil
}

func mapTelegramConfig(tc *config.TelegramConfig) (telegram.Config, error) {
	timeout, err := parseDurationField("drivers.telegram.timeout", tc.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: tc.Token, URL: tc.URL, Timeout: timeout}, nil
}
