package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	receiptKeyPrefix = "wadispatch:receipt:"
	refKeyPrefix     = "wadispatch:ref:"
)

type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Valkey keeps receipts in a shared Valkey or Redis server so deliveries can
// be acknowledged by any instance.
type Valkey struct {
	client valkey.Client
	ttl    time.Duration
}

func NewValkey(ctx context.Context, cfg ValkeyConfig) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Valkey{client: client, ttl: ttl}, nil
}

func (v *Valkey) Put(ctx context.Context, r Receipt) error {
	if r.MessageID == "" {
		return ErrEmptyMessageID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	cmds := valkey.Commands{
		v.client.B().Set().Key(receiptKeyPrefix + r.MessageID).Value(string(data)).Ex(v.ttl).Build(),
	}
	if r.ProviderRef != "" {
		cmds = append(cmds, v.client.B().Set().Key(refKeyPrefix+r.ProviderRef).Value(r.MessageID).Ex(v.ttl).Build())
	}
	for _, resp := range v.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to cache receipt: %w", err)
		}
	}
	return nil
}

func (v *Valkey) Get(ctx context.Context, messageID string) (Receipt, bool, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(receiptKeyPrefix+messageID).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("failed to get receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return Receipt{}, false, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return r, true, nil
}

func (v *Valkey) Resolve(ctx context.Context, providerRef string) (string, bool, error) {
	id, err := v.client.Do(ctx, v.client.B().Get().Key(refKeyPrefix+providerRef).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve provider ref: %w", err)
	}
	return id, true, nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
