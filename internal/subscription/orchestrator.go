// Package subscription runs recurring subscription payments through Nostr
// Wallet Connect and records the subscription once a payment is proven.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"unlock-server/internal/nwc"
	"unlock-server/internal/services"
)

const (
	DefaultAmountSats    = 50000
	DefaultBudgetRenewal = "monthly"
	DefaultExpiry        = 365 * 24 * time.Hour

	writeTimeout = 15 * time.Second
)

var (
	// ErrNoPreimage means the wallet answered without proof of payment.
	ErrNoPreimage = errors.New("wallet did not return a payment preimage")
	ErrNoUser     = errors.New("no user to subscribe")
)

// RefreshError reports a subscription write or refresh that failed after
// the wallet paid.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "payment succeeded, reload the page to refresh your subscription: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Provider is a wallet able to pay invoices (nwc.Provider).
type Provider interface {
	Enable(ctx context.Context) error
	SendPayment(ctx context.Context, invoice string) (preimage string, err error)
	Close()
}

// ProviderFactory builds a provider from a connection URL.
type ProviderFactory func(uri string) (Provider, error)

// Connection is a budgeted connection awaiting wallet approval (nwc.Connection).
type Connection interface {
	AuthorizationURL() string
	InitNWC(ctx context.Context) error
	NostrWalletConnectURL() (string, error)
}

// Connector creates budgeted connections.
type Connector interface {
	NewConnection(opts nwc.ConnectionOptions) (Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(opts nwc.ConnectionOptions) (Connection, error)

func (f ConnectorFunc) NewConnection(opts nwc.ConnectionOptions) (Connection, error) {
	return f(opts)
}

// AddressResolver resolves the platform Lightning address.
type AddressResolver interface {
	ResolveAddress(ctx context.Context, address string) (*services.LightningAddress, error)
}

// Store persists the subscription. An empty nwcURL clears the stored URL.
// Writes must be idempotent.
type Store interface {
	UpdateSubscription(ctx context.Context, userID string, subscribed bool, nwcURL string) error
}

// Config holds platform subscription terms.
type Config struct {
	Address       string // platform Lightning address
	AmountSats    int64
	AppName       string
	MaxBudgetSats int64
	BudgetRenewal string
	Expiry        time.Duration
}

// Callbacks receive progress and outcome. All fields are optional.
type Callbacks struct {
	OnSuccess     func()
	OnError       func(error)
	SetProcessing func(bool)
	// OnAuthorizationURL receives the wallet approval URL on the new-connection path.
	OnAuthorizationURL func(string)
	// Refresh re-fetches the session user after the subscription is stored.
	Refresh func(ctx context.Context) error
}

func (cb Callbacks) processing(on bool) {
	if cb.SetProcessing != nil {
		cb.SetProcessing(on)
	}
}

// Orchestrator runs subscription flows.
type Orchestrator struct {
	cfg       Config
	resolver  AddressResolver
	store     Store
	providers ProviderFactory
	connector Connector
	logger    *slog.Logger
	observe   func(path, outcome string)
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConnector enables the new-connection path.
func WithConnector(c Connector) Option {
	return func(o *Orchestrator) { o.connector = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver is called with the path ("new_connection" or "url") and
// outcome of every flow.
func WithObserver(fn func(path, outcome string)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// New creates an orchestrator.
func New(cfg Config, resolver AddressResolver, store Store, providers ProviderFactory, opts ...Option) *Orchestrator {
	if cfg.AmountSats <= 0 {
		cfg.AmountSats = DefaultAmountSats
	}
	if cfg.MaxBudgetSats <= 0 {
		cfg.MaxBudgetSats = cfg.AmountSats
	}
	if cfg.BudgetRenewal == "" {
		cfg.BudgetRenewal = DefaultBudgetRenewal
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	o := &Orchestrator{
		cfg:       cfg,
		resolver:  resolver,
		store:     store,
		providers: providers,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubscribeWithNewConnection asks the user's wallet for a budgeted connection,
// waits for approval, then pays the first period with it.
func (o *Orchestrator) SubscribeWithNewConnection(ctx context.Context, userID string, cb Callbacks) error {
	cb.processing(true)
	defer cb.processing(false)

	err := o.newConnection(ctx, userID, cb)
	return o.finish("new_connection", err, cb)
}

func (o *Orchestrator) newConnection(ctx context.Context, userID string, cb Callbacks) error {
	if o.connector == nil {
		return errors.New("wallet connections are not configured")
	}
	if userID == "" {
		return ErrNoUser
	}
	conn, err := o.connector.NewConnection(nwc.ConnectionOptions{
		Name:          o.cfg.AppName,
		MaxAmountSats: o.cfg.MaxBudgetSats,
		BudgetRenewal: o.cfg.BudgetRenewal,
		ExpiresAt:     o.now().Add(o.cfg.Expiry),
	})
	if err != nil {
		return fmt.Errorf("create wallet connection: %w", err)
	}
	if cb.OnAuthorizationURL != nil {
		cb.OnAuthorizationURL(conn.AuthorizationURL())
	}

	if err := conn.InitNWC(ctx); err != nil {
		return fmt.Errorf("wallet approval: %w", err)
	}
	uri, err := conn.NostrWalletConnectURL()
	if err != nil {
		return fmt.Errorf("wallet connection URL: %w", err)
	}
	return o.pay(ctx, userID, uri, cb)
}

// SubscribeWithURL pays the first period with an existing connection URL.
func (o *Orchestrator) SubscribeWithURL(ctx context.Context, userID, uri string, cb Callbacks) error {
	cb.processing(true)
	defer cb.processing(false)

	var err error
	if userID == "" {
		err = ErrNoUser
	} else {
		err = o.pay(ctx, userID, uri, cb)
	}
	return o.finish("url", err, cb)
}

func (o *Orchestrator) finish(path string, err error, cb Callbacks) error {
	outcome := "success"
	var rerr *RefreshError
	switch {
	case errors.As(err, &rerr):
		outcome = "refresh_error"
	case err != nil:
		outcome = "error"
	}
	if o.observe != nil {
		o.observe(path, outcome)
	}

	if err != nil {
		o.logger.Warn("subscription failed", "path", path, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}
	o.logger.Info("subscription active", "path", path)
	if cb.OnSuccess != nil {
		cb.OnSuccess()
	}
	return nil
}

// pay runs the payment and persists the subscription. Nothing is written
// unless the wallet returned a preimage.
func (o *Orchestrator) pay(ctx context.Context, userID, uri string, cb Callbacks) error {
	provider, err := o.providers(uri)
	if err != nil {
		return fmt.Errorf("invalid wallet connection: %w", err)
	}
	defer provider.Close()

	if err := provider.Enable(ctx); err != nil {
		return fmt.Errorf("connect wallet: %w", err)
	}

	addr, err := o.resolver.ResolveAddress(ctx, o.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve platform address: %w", err)
	}
	inv, err := addr.RequestInvoice(ctx, o.cfg.AmountSats, "subscription")
	if err != nil {
		return fmt.Errorf("create subscription invoice: %w", err)
	}

	preimage, err := provider.SendPayment(ctx, inv.PaymentRequest)
	if err != nil {
		return fmt.Errorf("wallet payment: %w", err)
	}
	if preimage == "" {
		return ErrNoPreimage
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := o.store.UpdateSubscription(writeCtx, userID, true, uri); err != nil {
		return &RefreshError{Err: err}
	}
	if cb.Refresh != nil {
		if err := cb.Refresh(writeCtx); err != nil {
			return &RefreshError{Err: fmt.Errorf("refresh user: %w", err)}
		}
	}
	return nil
}

// Cancel ends the subscription and forgets the stored connection.
func (o *Orchestrator) Cancel(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := o.store.UpdateSubscription(ctx, userID, false, ""); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	o.logger.Info("subscription cancelled")
	return nil
}

// NWCProviders returns a factory building nwc.Providers with the given encryption.
func NWCProviders(enc nwc.Encryption, opts ...nwc.ClientOption) ProviderFactory {
	return func(uri string) (Provider, error) {
		p, err := nwc.NewProvider(uri, enc, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// NWCConnector adapts nwc.Connector.
func NWCConnector(c *nwc.Connector) Connector {
	return ConnectorFunc(func(opts nwc.ConnectionOptions) (Connection, error) {
		conn, err := c.NewConnection(opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
