package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyProvider implements Provider over a Valkey/Redis-compatible
// server using the valkey-go client.
type ValkeyProvider struct {
	client valkey.Client
}

// NewValkeyProvider connects to addr (host:port, an optional valkey://
// or redis:// prefix is tolerated) and pings the server so bad
// configuration fails at startup instead of on the first sync.
func NewValkeyProvider(ctx context.Context, addr string) (*ValkeyProvider, error) {
	addr = strings.TrimSpace(addr)
	for _, scheme := range []string{"valkey://", "redis://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if addr == "" {
		return nil, errors.New("cache address is required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", addr, err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey %s: %w", addr, err)
	}
	return &ValkeyProvider{client: client}, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	resp := p.client.Do(ctx, p.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("valkey GET %s: %w", key, err)
	}
	return resp.AsBytes()
}

// Set stores bytes under key with the provided TTL; a zero TTL stores
// the key without expiry.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	builder := p.client.B().Set().Key(key).Value(valkey.BinaryString(value))
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = builder.Ex(ttl).Build()
	} else {
		cmd = builder.Build()
	}
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET %s: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	if err := p.client.Do(ctx, p.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey DEL %s: %w", key, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (p *ValkeyProvider) Close() error {
	p.client.Close()
	return nil
}
