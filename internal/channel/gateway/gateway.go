// Package gateway drives channels through an HTTP WhatsApp gateway. Each
// channel ID names a paired session on the gateway; the gateway owns the
// wire protocol and pairing.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/pkg/logx"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec float64 // process-wide request pacing toward the gateway
	RetryMax   int     // status probes only; sends are never retried
}

type Driver struct {
	client  *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a driver. It performs no I/O.
func New(cfg Config, log logx.Logger) (*Driver, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base_url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryMax).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// A retried POST could deliver twice.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	burst := max(1, int(cfg.RatePerSec))
	return &Driver{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log,
	}, nil
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

type textBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type mediaBody struct {
	To       string `json:"to"`
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MIME     string `json:"mime,omitempty"`
}

type locationBody struct {
	To        string  `json:"to"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type contactBody struct {
	To       string `json:"to"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

func (d *Driver) Send(ctx context.Context, channelID, target string, p domain.Payload) (channel.SendResult, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return channel.SendResult{}, err
	}

	var (
		out     sendResponse
		errBody errorResponse
		req     = d.client.R().SetContext(ctx).SetPathParam("session", channelID).SetResult(&out).SetError(&errBody)
		path    string
	)
	switch v := p.(type) {
	case domain.Text:
		path = "/api/sessions/{session}/messages/text"
		req.SetBody(textBody{To: target, Text: v.Body})
	case domain.Location:
		path = "/api/sessions/{session}/messages/location"
		req.SetBody(locationBody{To: target, Latitude: v.Latitude, Longitude: v.Longitude, Name: v.Name, Address: v.Address})
	case domain.Contact:
		path = "/api/sessions/{session}/messages/contact"
		req.SetBody(contactBody{To: target, FullName: v.FullName, Phone: v.Phone})
	default:
		m, ok := domain.MediaOf(p)
		if !ok {
			return channel.SendResult{}, fmt.Errorf("%w: %T", channel.ErrUnsupportedPayload, p)
		}
		path = "/api/sessions/{session}/messages/" + string(p.Kind())
		if isRemote(m.URL) {
			req.SetBody(mediaBody{To: target, URL: m.URL, Caption: m.Caption, FileName: m.FileName, MIME: m.MIME})
		} else if err := attachFile(req, target, m); err != nil {
			return channel.SendResult{}, err
		}
	}

	resp, err := req.Post(path)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return channel.SendResult{}, statusError(resp, errBody)
	}
	d.log.Debug("gateway send ok",
		logx.String("channel", channelID),
		logx.String("kind", string(p.Kind())),
		logx.Duration("took", resp.Time()),
	)
	return channel.SendResult{ProviderRef: out.ID}, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (d *Driver) Status(ctx context.Context, channelID string) (domain.ChannelStatus, error) {
	var out statusResponse
	var errBody errorResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("session", channelID).
		SetResult(&out).
		SetError(&errBody).
		Get("/api/sessions/{session}/status")
	if err != nil {
		return domain.ChannelDisconnected, fmt.Errorf("failed to query status: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.ChannelDisconnected, nil
	}
	if resp.IsError() {
		return domain.ChannelDisconnected, statusError(resp, errBody)
	}
	st := domain.ChannelStatus(strings.ToLower(strings.TrimSpace(out.Status)))
	if !st.Valid() {
		// Gateways use several spellings for a pending QR scan.
		switch st {
		case "scan_qr", "qr", "unpaired":
			return domain.ChannelPairing, nil
		case "starting", "opening":
			return domain.ChannelConnecting, nil
		}
		return domain.ChannelDisconnected, nil
	}
	return st, nil
}

// statusError keeps the gateway's own wording so abuse signals such as
// "rate limit" reach the limiter.
func statusError(resp *resty.Response, body errorResponse) error {
	msg := body.text()
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	if resp.StatusCode() == http.StatusTooManyRequests && !strings.Contains(strings.ToLower(msg), "rate") {
		msg = "rate limited: " + msg
	}
	return fmt.Errorf("gateway: %d %s", resp.StatusCode(), msg)
}

func isRemote(u string) bool {
	u = strings.ToLower(u)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// attachFile uploads a local file as multipart, sniffing its content type
// when the payload does not carry one.
func attachFile(req *resty.Request, target string, m domain.Media) error {
	data, err := os.ReadFile(m.URL)
	if err != nil {
		return fmt.Errorf("read media: %w", err)
	}
	ctype := m.MIME
	if ctype == "" {
		ctype = mimetype.Detect(data).String()
	}
	name := m.FileName
	if name == "" {
		name = filepath.Base(m.URL)
	}
	req.SetMultipartField("file", name, ctype, bytes.NewReader(data)).
		SetFormData(map[string]string{"to": target, "caption": m.Caption})
	return nil
}
