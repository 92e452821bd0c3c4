package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a rendered log line to the operator.
type Sender interface {
	Notify(ctx context.Context, text string) error
}

const (
	operatorQueue   = 256
	operatorTimeout = 15 * time.Second
	// WhatsApp rejects text bodies over 4096 characters.
	operatorMaxLen = 3500
	fieldMaxLen    = 600
	stackMaxLen    = 900
)

// operatorSink is a zerolog writer that forwards lines at or above a level
// to a Sender. It drops lines rather than block logging.
type operatorSink struct {
	queue chan string

	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newOperatorSink() *operatorSink {
	return &operatorSink{
		queue:    make(chan string, operatorQueue),
		limiter:  rateFor(1),
		minLevel: zerolog.WarnLevel,
	}
}

func (o *operatorSink) setSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

// configure applies cfg and starts the delivery worker the first time the
// sink is enabled.
func (o *operatorSink) configure(cfg OperatorConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rateFor(cfg.RatePerSec)
	if !cfg.Enabled || o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, operatorTimeout)
			_ = sender.Notify(sctx, msg)
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ok := o.sender != nil && level >= o.minLevel && o.limiter.Allow()
	o.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatOperatorLine(p); msg != "" {
		select {
		case o.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatOperatorLine renders a zerolog JSON line for a chat message: the
// level in bold, the message, then one "key: value" line per field.
func formatOperatorLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), operatorMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("*" + strings.ToUpper(lvl) + "* ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\nstack:\n```" + truncate(fmt.Sprint(m[k]), stackMaxLen) + "```")
			continue
		}
		b.WriteString("\n" + k + ": " + truncate(fmt.Sprint(m[k]), fieldMaxLen))
	}
	return truncate(b.String(), operatorMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
