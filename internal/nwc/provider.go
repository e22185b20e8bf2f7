package nwc

import (
	"context"
	"errors"
	"sync"
)

// Provider wraps a Client behind the Enable / SendPayment / Close lifecycle
// used by subscription flows. A Provider is single use.
type Provider struct {
	config *Config
	opts   []ClientOption

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewProvider parses the connection URL. Nothing is dialed until Enable.
func NewProvider(uri string, enc Encryption, opts ...ClientOption) (*Provider, error) {
	cfg, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if enc != "" {
		cfg.Encryption = enc
	}
	return &Provider{config: cfg, opts: opts}, nil
}

// Config returns the parsed connection parameters.
func (p *Provider) Config() *Config { return p.config }

// Enable connects to the wallet relay.
func (p *Provider) Enable(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.client == nil {
		p.client = NewClient(p.config, p.opts...)
	}
	client := p.client
	p.mu.Unlock()

	return client.Connect(ctx)
}

// SendPayment pays the invoice and returns the preimage. A response without a
// preimage is reported as ErrUnconfirmed, never as success.
func (p *Provider) SendPayment(ctx context.Context, invoice string) (string, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return "", ErrNotConnected
	}

	res, err := client.PayInvoice(ctx, invoice)
	if err != nil {
		return "", err
	}
	if res.Preimage == "" {
		return "", ErrUnconfirmed
	}
	return res.Preimage, nil
}

// Balance returns the wallet balance in millisatoshis.
func (p *Provider) Balance(ctx context.Context) (int64, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return 0, ErrNotConnected
	}
	res, err := client.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// Close releases the connection. Safe to call more than once and before Enable.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.client != nil {
		p.client.Close()
	}
}

// IsUnconfirmed reports whether err means the wallet may have paid without
// telling us.
func IsUnconfirmed(err error) bool {
	return errors.Is(err, ErrUnconfirmed)
}
