package nwc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"unlock-server/internal/nips"
	"unlock-server/internal/nostr"
)

var (
	ErrUnknownConnection = errors.New("no pending wallet connection for this client")
	ErrApprovalExpired   = errors.New("wallet connection was not approved in time")
	ErrNotApproved       = errors.New("wallet connection not approved yet")
)

const (
	DefaultPendingTTL = 10 * time.Minute
	defaultMaxPending = 1000
)

// ConnectorConfig configures budgeted wallet connections.
type ConnectorConfig struct {
	AuthorizeURL string // wallet app base, e.g. https://nwc.getalby.com
	ReturnTo     string // approval callback served by this service
	PendingTTL   time.Duration
	MaxPending   int
}

// ConnectionOptions describe the budget requested from the wallet.
type ConnectionOptions struct {
	Name          string
	MaxAmountSats int64
	BudgetRenewal string
	ExpiresAt     time.Time
}

// Connector creates wallet connections that the user approves in their wallet.
// Approvals arrive out of band through Approve.
type Connector struct {
	cfg     ConnectorConfig
	pending *expirable.LRU[string, *Connection]
}

// NewConnector creates a connector with a bounded registry of pending approvals.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	c := &Connector{cfg: cfg}
	c.pending = expirable.NewLRU[string, *Connection](cfg.MaxPending, func(_ string, conn *Connection) {
		conn.finish(nil, ErrApprovalExpired)
	}, cfg.PendingTTL)
	return c
}

// NewConnection generates a fresh client key and registers it for approval.
func (c *Connector) NewConnection(opts ConnectionOptions) (*Connection, error) {
	if c.cfg.AuthorizeURL == "" {
		return nil, errors.New("wallet authorization URL not configured")
	}
	secret, err := nips.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	pub, err := nips.GetPublicKey(secret)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		secret:    secret,
		clientPub: hex.EncodeToString(pub),
		done:      make(chan struct{}),
	}
	conn.authURL = c.authorizationURL(conn.clientPub, opts)
	c.pending.Add(conn.clientPub, conn)
	return conn, nil
}

func (c *Connector) authorizationURL(clientPub string, opts ConnectionOptions) string {
	q := url.Values{}
	q.Set("name", opts.Name)
	q.Set("pubkey", clientPub)
	q.Set("request_methods", "pay_invoice")
	if opts.MaxAmountSats > 0 {
		q.Set("max_amount", strconv.FormatInt(opts.MaxAmountSats, 10))
	}
	if opts.BudgetRenewal != "" {
		q.Set("budget_renewal", opts.BudgetRenewal)
	}
	if !opts.ExpiresAt.IsZero() {
		q.Set("expires_at", strconv.FormatInt(opts.ExpiresAt.Unix(), 10))
	}
	if c.cfg.ReturnTo != "" {
		q.Set("return_to", appendQuery(c.cfg.ReturnTo, "client", clientPub))
	}
	return strings.TrimRight(c.cfg.AuthorizeURL, "/") + "/apps/new?" + q.Encode()
}

// Approve completes the pending connection for clientPub with the wallet
// details returned by the approval callback.
func (c *Connector) Approve(clientPub, walletPubKey, relay, lud16 string) error {
	conn, ok := c.pending.Peek(strings.ToLower(clientPub))
	if !ok {
		return ErrUnknownConnection
	}

	walletHex, err := nips.NormalizePubkey(walletPubKey)
	if err != nil {
		return fmt.Errorf("invalid wallet pubkey: %w", err)
	}
	relay = nostr.NormalizeRelayURL(relay)
	if relay == "" {
		return errors.New("invalid wallet relay")
	}
	walletBytes, _ := hex.DecodeString(walletHex)
	cfg, err := NewConfig(walletBytes, relay, conn.secret, lud16)
	if err != nil {
		return err
	}

	conn.finish(cfg, nil)
	c.pending.Remove(conn.clientPub)
	return nil
}

// Pending returns the number of connections awaiting approval.
func (c *Connector) Pending() int {
	return c.pending.Len()
}

// Connection is one budgeted connection awaiting wallet approval.
type Connection struct {
	secret    []byte
	clientPub string
	authURL   string

	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	config *Config
	err    error
}

// AuthorizationURL is where the user approves the connection in their wallet.
func (c *Connection) AuthorizationURL() string { return c.authURL }

// ClientPubKey identifies this connection in the approval callback.
func (c *Connection) ClientPubKey() string { return c.clientPub }

// InitNWC blocks until the wallet approves, the approval expires, or ctx ends.
func (c *Connection) InitNWC(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NostrWalletConnectURL returns the connection URL once approved.
func (c *Connection) NostrWalletConnectURL() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		if c.err != nil {
			return "", c.err
		}
		return "", ErrNotApproved
	}
	return c.config.URI(), nil
}

func (c *Connection) finish(cfg *Config, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.config = cfg
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
