// Package telegram delivers through the Telegram Bot API. It exists for
// operator channels and staging; targets are chat IDs, not phone numbers.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/pkg/logx"
)

type Config struct {
	Token   string
	URL     string // API base, defaults to telebot's
	Timeout time.Duration
}

type Driver struct {
	bot *tele.Bot
	log logx.Logger
}

// New creates a driver without contacting Telegram; Status probes the token.
func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{bot: b, log: log}, nil
}

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func (d *Driver) Send(ctx context.Context, channelID, target string, p domain.Payload) (channel.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return channel.SendResult{}, err
	}
	to := chatRecipient(strings.TrimSpace(target))

	var (
		msg *tele.Message
		err error
	)
	switch v := p.(type) {
	case domain.Text:
		msg, err = d.sendText(ctx, to, v.Body)
	case domain.Image:
		msg, err = d.bot.Send(to, &tele.Photo{File: fileOf(v.URL), Caption: v.Caption})
	case domain.Document:
		msg, err = d.bot.Send(to, &tele.Document{File: fileOf(v.URL), Caption: v.Caption, FileName: v.FileName, MIME: v.MIME})
	case domain.Video:
		msg, err = d.bot.Send(to, &tele.Video{File: fileOf(v.URL), Caption: v.Caption, FileName: v.FileName, MIME: v.MIME})
	case domain.Audio:
		msg, err = d.bot.Send(to, &tele.Audio{File: fileOf(v.URL), Caption: v.Caption, FileName: v.FileName, MIME: v.MIME})
	case domain.Location:
		loc := tele.Location{Lat: float32(v.Latitude), Lng: float32(v.Longitude)}
		if v.Name != "" || v.Address != "" {
			msg, err = d.bot.Send(to, &tele.Venue{Location: loc, Title: v.Name, Address: v.Address})
		} else {
			msg, err = d.bot.Send(to, &loc)
		}
	case domain.Contact:
		msg, err = d.sendContact(to, v)
	default:
		return channel.SendResult{}, fmt.Errorf("%w: %T", channel.ErrUnsupportedPayload, p)
	}
	if err != nil {
		return channel.SendResult{}, wrapErr(err)
	}

	ref := ""
	if msg != nil {
		ref = string(to) + ":" + strconv.Itoa(msg.ID)
	}
	d.log.Debug("telegram send ok", logx.String("channel", channelID), logx.String("kind", string(p.Kind())))
	return channel.SendResult{ProviderRef: ref}, nil
}

// sendText sends long bodies as several messages and returns the first.
func (d *Driver) sendText(ctx context.Context, to chatRecipient, text string) (*tele.Message, error) {
	var first *tele.Message
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := d.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return first, err
		}
		if first == nil {
			first = m
		}
	}
	return first, nil
}

func (d *Driver) sendContact(to chatRecipient, c domain.Contact) (*tele.Message, error) {
	first, last, _ := strings.Cut(strings.TrimSpace(c.FullName), " ")
	if first == "" {
		first = c.Phone
	}
	raw, err := d.bot.Raw("sendContact", map[string]string{
		"chat_id":      string(to),
		"phone_number": c.Phone,
		"first_name":   first,
		"last_name":    last,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result tele.Message `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode sendContact: %w", err)
	}
	return &resp.Result, nil
}

// Status reports connected when the bot token authenticates.
func (d *Driver) Status(ctx context.Context, channelID string) (domain.ChannelStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChannelDisconnected, err
	}
	if _, err := d.bot.Raw("getMe", nil); err != nil {
		if errors.Is(err, tele.ErrUnauthorized) || strings.Contains(err.Error(), "Unauthorized") {
			return domain.ChannelDisconnected, nil
		}
		return domain.ChannelDisconnected, wrapErr(err)
	}
	return domain.ChannelConnected, nil
}

func fileOf(u string) tele.File {
	l := strings.ToLower(u)
	if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		return tele.FromURL(u)
	}
	return tele.FromDisk(u)
}

// wrapErr rewrites flood control into wording the rate limiter treats as an
// abuse signal.
func wrapErr(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return fmt.Errorf("rate limit: retry after %ds: %w", fe.RetryAfter, err)
	}
	return err
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
