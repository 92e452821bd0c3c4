package ratelimit

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"wadispatch/pkg/logx"
)

// Refusal reasons reported in Decision.Reason.
const (
	ReasonThrottled = "throttled"
	ReasonMinuteCap = "minute_cap"
	ReasonHourCap   = "hour_cap"
	ReasonDayCap    = "day_cap"
	ReasonBurst     = "burst"
	ReasonPacing    = "pacing"
)

const dayWindow = 24 * time.Hour

// abuseSignals are provider error fragments that indicate throttling or a
// pending ban. Matching is case-insensitive.
var abuseSignals = []string{
	"rate limit",
	"rate-limit",
	"too many",
	"blocked",
	"restricted",
	"spam",
	"banned",
	"flood",
}

// Decision is the answer to CanSend. Wait is only meaningful when refused.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Limiter holds per-channel pacing state. Each channel's state has its own
// mutex; the registry lock is only held to find or create it.
type Limiter struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
	states    map[string]*state

	now  func() time.Time
	rand func() float64
	log  logx.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRand replaces the jitter source. f must return values in [0,1).
func WithRand(f func() float64) Option {
	return func(l *Limiter) {
		if f != nil {
			l.rand = f
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func New(defaults Config, opts ...Option) *Limiter {
	l := &Limiter{
		defaults:  defaults.Merge(DefaultConfig()),
		overrides: map[string]Config{},
		states:    map[string]*state{},
		now:       time.Now,
		rand:      rand.Float64,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type state struct {
	mu sync.Mutex

	sends  []time.Time // ascending, pruned to the day window
	last   time.Time
	run    int     // consecutive sends with short gaps
	jitter float64 // drawn once per recorded send

	warnings    int
	lastWarning time.Time

	violations    int
	lastViolation time.Time
	episodeUntil  time.Time // refusals before this belong to a counted violation

	throttleUntil time.Time
	touched       time.Time

	evicted bool // removed from the map; callers must fetch a fresh state
}

// SetDefaults replaces the process-wide config used by channels without an
// override.
func (l *Limiter) SetDefaults(cfg Config) {
	l.mu.Lock()
	l.defaults = cfg.Merge(DefaultConfig())
	l.mu.Unlock()
}

// Configure installs a per-channel override. Zero fields inherit defaults.
func (l *Limiter) Configure(channelID string, cfg Config) {
	l.mu.Lock()
	l.overrides[channelID] = cfg
	l.mu.Unlock()
}

func (l *Limiter) ClearOverride(channelID string) {
	l.mu.Lock()
	delete(l.overrides, channelID)
	l.mu.Unlock()
}

// Forget drops all state for a channel, including a running throttle.
func (l *Limiter) Forget(channelID string) {
	l.mu.Lock()
	if st := l.states[channelID]; st != nil {
		st.mu.Lock()
		st.evicted = true
		st.mu.Unlock()
	}
	delete(l.states, channelID)
	delete(l.overrides, channelID)
	l.mu.Unlock()
}

func (l *Limiter) config(channelID string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if o, ok := l.overrides[channelID]; ok {
		return o.Merge(l.defaults)
	}
	return l.defaults
}

// Effective returns the merged config for a channel.
func (l *Limiter) Effective(channelID string) Config { return l.config(channelID) }

func (l *Limiter) state(channelID string) *state {
	l.mu.RLock()
	st := l.states[channelID]
	l.mu.RUnlock()
	if st != nil {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st = l.states[channelID]; st == nil {
		st = &state{jitter: 1}
		l.states[channelID] = st
	}
	return st
}

// locked returns the channel's live state with st.mu held.
func (l *Limiter) locked(channelID string) *state {
	for {
		st := l.state(channelID)
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

func (l *Limiter) lookup(channelID string) *state {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.states[channelID]
}

// CanSend decides whether channelID may send now. It never blocks on I/O and
// must be called right before every send attempt.
func (l *Limiter) CanSend(channelID string) Decision {
	cfg := l.config(channelID)
	now := l.now()
	st := l.locked(channelID)
	defer st.mu.Unlock()

	st.touched = now
	st.decay(now, cfg)
	st.prune(now)

	if now.Before(st.throttleUntil) {
		return refuse(st.throttleUntil.Sub(now), ReasonThrottled)
	}

	if wait := st.windowWait(now, time.Minute, cfg.PerMinute); wait > 0 {
		l.violation(st, now, wait, cfg, channelID)
		return refuse(wait, ReasonMinuteCap)
	}
	if wait := st.windowWait(now, time.Hour, cfg.PerHour); wait > 0 {
		return l.critical(st, now, wait, cfg, channelID, ReasonHourCap)
	}
	if wait := st.windowWait(now, dayWindow, cfg.PerDay); wait > 0 {
		return l.critical(st, now, wait, cfg, channelID, ReasonDayCap)
	}

	if st.run >= cfg.BurstLimit && now.Sub(st.last) < cfg.BurstGap {
		l.violation(st, now, cfg.Cooldown, cfg, channelID)
		return refuse(cfg.Cooldown, ReasonBurst)
	}

	if !st.last.IsZero() {
		if elapsed := now.Sub(st.last); elapsed < st.delay(cfg) {
			return refuse(st.delay(cfg)-elapsed, ReasonPacing)
		}
	}
	return Decision{Allowed: true}
}

func refuse(wait time.Duration, reason string) Decision {
	return Decision{Wait: wait, Reason: reason}
}

// RecordSent registers a successful send.
func (l *Limiter) RecordSent(channelID string) {
	cfg := l.config(channelID)
	now := l.now()
	st := l.locked(channelID)
	defer st.mu.Unlock()

	// The gap is measured against the previous send, before last is updated.
	if st.last.IsZero() || now.Sub(st.last) >= cfg.BurstGap {
		st.run = 1
	} else {
		st.run++
	}
	st.last = now
	st.sends = append(st.sends, now)
	st.jitter = 0.8 + 0.4*l.rand()
	st.touched = now
	st.prune(now)
}

// RecordError inspects a failed send's error text and escalates on abuse
// signals. It reports whether the text carried one.
func (l *Limiter) RecordError(channelID, errText string) bool {
	if !IsAbuseSignal(errText) {
		return false
	}
	cfg := l.config(channelID)
	now := l.now()
	st := l.locked(channelID)
	defer st.mu.Unlock()

	st.decay(now, cfg)
	st.warnings++
	st.lastWarning = now
	st.touched = now
	if st.warnings%cfg.WarnThreshold == 0 {
		st.throttle(now, cfg.WarnThrottle)
		l.log.Warn("channel throttled on provider warnings",
			logx.String("channel", channelID),
			logx.Int("warnings", st.warnings),
			logx.Duration("for", cfg.WarnThrottle),
		)
	}
	return true
}

// IsAbuseSignal reports whether errText looks like provider pushback.
func IsAbuseSignal(errText string) bool {
	s := strings.ToLower(errText)
	for _, sig := range abuseSignals {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// Health scores a channel from 0 (do not send) to 100.
func (l *Limiter) Health(channelID string) int {
	st := l.lookup(channelID)
	if st == nil {
		return 100
	}
	cfg := l.config(channelID)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.decay(now, cfg)
	st.prune(now)
	return st.health(now, cfg)
}

func (st *state) health(now time.Time, cfg Config) int {
	score := 100 - 10*st.warnings
	if over80(st.count(now, time.Minute), cfg.PerMinute) {
		score -= 20
	}
	if over80(st.count(now, time.Hour), cfg.PerHour) {
		score -= 15
	}
	if now.Before(st.throttleUntil) {
		score -= 30
	}
	return max(score, 0)
}

func over80(n, limit int) bool {
	return limit > 0 && float64(n) > 0.8*float64(limit)
}

// Snapshot is a diagnostic view of one channel.
type Snapshot struct {
	Minute         int       `json:"minute"`
	Hour           int       `json:"hour"`
	Day            int       `json:"day"`
	Consecutive    int       `json:"consecutive"`
	Warnings       int       `json:"warnings"`
	Violations     int       `json:"violations"`
	LastSend       time.Time `json:"last_send"`
	ThrottledUntil time.Time `json:"throttled_until"`
	Health         int       `json:"health"`
}

func (l *Limiter) Snapshot(channelID string) Snapshot {
	st := l.lookup(channelID)
	if st == nil {
		return Snapshot{Health: 100}
	}
	cfg := l.config(channelID)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.decay(now, cfg)
	st.prune(now)
	return Snapshot{
		Minute:         st.count(now, time.Minute),
		Hour:           st.count(now, time.Hour),
		Day:            len(st.sends),
		Consecutive:    st.run,
		Warnings:       st.warnings,
		Violations:     st.violations,
		LastSend:       st.last,
		ThrottledUntil: st.throttleUntil,
		Health:         st.health(now, cfg),
	}
}

// Evict removes channels untouched for longer than idle that are not
// currently throttled, and returns how many were removed.
func (l *Limiter) Evict(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, st := range l.states {
		st.mu.Lock()
		stale := now.Sub(st.touched) > idle && !now.Before(st.throttleUntil)
		if stale {
			st.evicted = true
		}
		st.mu.Unlock()
		if stale {
			delete(l.states, id)
			n++
		}
	}
	return n
}

func (l *Limiter) violation(st *state, now time.Time, wait time.Duration, cfg Config, channelID string) {
	// Repeated re-checks while waiting out one refusal count once.
	if now.Before(st.episodeUntil) {
		return
	}
	st.episodeUntil = now.Add(wait)
	st.violations++
	st.lastViolation = now
	if st.violations >= cfg.EscalateAfter {
		st.violations = 0
		st.throttle(now, cfg.WarnThrottle)
		l.log.Warn("channel throttled on repeated limit violations",
			logx.String("channel", channelID),
			logx.Duration("for", cfg.WarnThrottle),
		)
	}
}

func (l *Limiter) critical(st *state, now time.Time, wait time.Duration, cfg Config, channelID, reason string) Decision {
	st.throttle(now, cfg.CriticalThrottle)
	l.log.Warn("channel hit a hard cap",
		logx.String("channel", channelID),
		logx.String("reason", reason),
		logx.Duration("window_wait", wait),
	)
	return refuse(max(wait, st.throttleUntil.Sub(now)), reason)
}

func (st *state) throttle(now time.Time, d time.Duration) {
	if until := now.Add(d); until.After(st.throttleUntil) {
		st.throttleUntil = until
	}
}

// delay is the adaptive gap required after the last send.
func (st *state) delay(cfg Config) time.Duration {
	f := (1 + 0.2*float64(st.run)) * (1 + 0.5*float64(st.warnings)) * st.jitter
	d := time.Duration(float64(cfg.MinDelay) * f)
	return min(d, cfg.MaxDelay)
}

func (st *state) decay(now time.Time, cfg Config) {
	if st.warnings > 0 && now.Sub(st.lastWarning) >= cfg.DecayAfter {
		st.warnings = 0
	}
	if st.violations > 0 && now.Sub(st.lastViolation) >= cfg.DecayAfter {
		st.violations = 0
	}
}

func (st *state) prune(now time.Time) {
	cut := now.Add(-dayWindow)
	i := 0
	for i < len(st.sends) && !st.sends[i].After(cut) {
		i++
	}
	if i > 0 {
		st.sends = append(st.sends[:0], st.sends[i:]...)
	}
}

// first returns the index of the first send inside (now-window, now].
func (st *state) first(now time.Time, window time.Duration) int {
	cut := now.Add(-window)
	lo, hi := 0, len(st.sends)
	for lo < hi {
		mid := (lo + hi) / 2
		if st.sends[mid].After(cut) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (st *state) count(now time.Time, window time.Duration) int {
	return len(st.sends) - st.first(now, window)
}

// windowWait returns how long until the window has room for one more send,
// or 0 when it already has.
func (st *state) windowWait(now time.Time, window time.Duration, limit int) time.Duration {
	if limit <= 0 {
		return 0
	}
	i := st.first(now, window)
	n := len(st.sends) - i
	if n < limit {
		return 0
	}
	// The send that must age out for the window to drop below limit.
	oldest := st.sends[i+n-limit]
	return oldest.Add(window).Sub(now)
}
