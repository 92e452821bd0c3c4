package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wadispatch/internal/channel"
	"wadispatch/internal/channel/gateway"
	"wadispatch/internal/channel/telegram"
	"wadispatch/internal/config"
	"wadispatch/internal/domain"
	"wadispatch/pkg/logx"
)

// buildDrivers installs one adapter per configured driver section.
func buildDrivers(cfg *Config, router *channel.Router, log logx.Logger) error {
	if gc := cfg.Drivers.Gateway; gc != nil {
		dc, err := mapGatewayConfig(gc)
		if err != nil {
			return err
		}
		d, err := gateway.New(dc, log.With(logx.String("comp", "driver.gateway")))
		if err != nil {
			return fmt.Errorf("gateway driver: %w", err)
		}
		router.Handle("gateway", d)
	}
	if tc := cfg.Drivers.Telegram; tc != nil {
		dc, err := mapTelegramConfig(tc)
		if err != nil {
			return err
		}
		d, err := telegram.New(dc, log.With(logx.String("comp", "driver.telegram")))
		if err != nil {
			return fmt.Errorf("telegram driver: %w", err)
		}
		router.Handle("telegram", d)
	}
	return nil
}

// syncChannels makes the registry match cfg.Channels. Removed channels are
// unregistered, which drops their lanes and limiter state through the
// registry's teardown hooks, and their unsent messages are cancelled.
func (a *App) syncChannels(ctx context.Context, cfg *Config) error {
	want := make(map[string]config.ChannelConfig, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		want[cc.ID] = cc
	}

	var errs []error
	for _, cur := range a.registry.List() {
		if _, ok := want[cur.ID]; ok {
			continue
		}
		a.registry.Unregister(cur.ID)
		if _, err := a.queue.CancelChannel(ctx, cur.ID); err != nil {
			errs = append(errs, err)
		}
		if err := a.store.DeleteChannel(ctx, cur.ID); err != nil {
			errs = append(errs, err)
		}
		a.log.Info("channel removed", logx.String("channel_id", cur.ID))
	}

	for _, cc := range cfg.Channels {
		ch := domain.Channel{ID: cc.ID, AccountID: cc.AccountID, Driver: cc.Driver}
		if a.registry.Register(ch) {
			a.log.Info("channel added", logx.String("channel_id", cc.ID), logx.String("driver", cc.Driver))
		}
		if err := a.store.UpsertChannel(ctx, ch); err != nil {
			errs = append(errs, err)
		}

		path := fmt.Sprintf("channels[%s]", cc.ID)
		if cc.RateLimit != nil {
			rl, err := mapRateLimit(path+".rate_limit", *cc.RateLimit)
			if err != nil {
				errs = append(errs, err)
			} else {
				a.limiter.Configure(cc.ID, rl)
			}
		} else {
			a.limiter.ClearOverride(cc.ID)
		}

		lo, hi, err := mapDelay(path, cc.HumanDelayMin, cc.HumanDelayMax)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.queue.SetHumanDelay(cc.ID, lo, hi)
	}
	return errors.Join(errs...)
}

// operatorSink sends log lines to the configured operator through the
// channel router.
type operatorSink struct {
	router   *channel.Router
	registry *channel.Registry

	mu        sync.RWMutex
	channelID string
	recipient string
}

var errOperatorUnavailable = errors.New("operator channel not connected")

func (o *operatorSink) setTarget(channelID, recipient string) {
	o.mu.Lock()
	o.channelID, o.recipient = channelID, recipient
	o.mu.Unlock()
}

func (o *operatorSink) Notify(ctx context.Context, text string) error {
	o.mu.RLock()
	channelID, recipient := o.channelID, o.recipient
	o.mu.RUnlock()
	if channelID == "" || recipient == "" {
		return nil
	}
	if !o.registry.IsConnected(channelID) {
		return errOperatorUnavailable
	}
	_, err := o.router.Send(ctx, channelID, recipient, domain.Text{Body: text})
	return err
}
