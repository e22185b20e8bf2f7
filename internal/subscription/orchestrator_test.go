package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"unlock-server/internal/nwc"
	"unlock-server/internal/nwc/nwctest"
	"unlock-server/internal/services/lnurltest"
)

type write struct {
	user       string
	subscribed bool
	nwc        string
}

type fakeStore struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (s *fakeStore) UpdateSubscription(_ context.Context, userID string, subscribed bool, nwcURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, write{userID, subscribed, nwcURL})
	return nil
}

func (s *fakeStore) Writes() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]write(nil), s.writes...)
}

type fakeProvider struct {
	enableErr error
	preimage  string
	payErr    error

	mu       sync.Mutex
	invoices []string
	closed   int
}

func (p *fakeProvider) Enable(context.Context) error { return p.enableErr }

func (p *fakeProvider) SendPayment(_ context.Context, invoice string) (string, error) {
	p.mu.Lock()
	p.invoices = append(p.invoices, invoice)
	p.mu.Unlock()
	return p.preimage, p.payErr
}

func (p *fakeProvider) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

type recorder struct {
	mu         sync.Mutex
	processing []bool
	successes  int
	errs       []error
	refreshes  int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func() { r.mu.Lock(); r.successes++; r.mu.Unlock() },
		OnError:   func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
		SetProcessing: func(on bool) {
			r.mu.Lock()
			r.processing = append(r.processing, on)
			r.mu.Unlock()
		},
		Refresh: func(context.Context) error { r.mu.Lock(); r.refreshes++; r.mu.Unlock(); return nil },
	}
}

func setup(t *testing.T, p Provider) (*lnurltest.Server, *fakeStore, *Orchestrator) {
	t.Helper()
	srv := lnurltest.New(t)
	store := &fakeStore{}
	o := New(Config{Address: srv.Address("platform"), AmountSats: 50000}, srv.Client(), store,
		func(string) (Provider, error) { return p, nil })
	return srv, store, o
}

const uri = "nostr+walletconnect://wallet?relay=wss://relay.example.com&secret=s"

func TestSubscribeWithURL(t *testing.T) {
	p := &fakeProvider{preimage: "deadbeef"}
	srv, store, o := setup(t, p)
	rec := &recorder{}

	require.NoError(t, o.SubscribeWithURL(context.Background(), "user-1", uri, rec.callbacks()))

	assert.Equal(t, []write{{"user-1", true, uri}}, store.Writes())
	assert.Equal(t, int64(50_000_000), srv.LastAmountMsats())
	assert.Len(t, p.invoices, 1)
	assert.Equal(t, 1, p.closed)
	assert.Equal(t, 1, rec.successes)
	assert.Equal(t, 1, rec.refreshes)
	assert.Empty(t, rec.errs)
	assert.Equal(t, []bool{true, false}, rec.processing)
}

func TestPartialFailureNeverPersists(t *testing.T) {
	cases := map[string]*fakeProvider{
		"enable fails":   {enableErr: errors.New("relay down")},
		"payment fails":  {payErr: &nwc.WalletError{Code: nwc.ErrorInsufficientBalance, Message: "broke"}},
		"no response":    {payErr: nwc.ErrUnconfirmed},
		"empty preimage": {preimage: ""},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, store, o := setup(t, p)
			rec := &recorder{}

			err := o.SubscribeWithURL(context.Background(), "user-1", uri, rec.callbacks())
			require.Error(t, err)
			assert.Empty(t, store.Writes())
			assert.Equal(t, 1, p.closed, "provider always closed")
			assert.Equal(t, 0, rec.successes)
			assert.Equal(t, []error{err}, rec.errs)
			assert.Equal(t, []bool{true, false}, rec.processing)
		})
	}
}

func TestEmptyPreimageIsErrNoPreimage(t *testing.T) {
	_, _, o := setup(t, &fakeProvider{})
	err := o.SubscribeWithURL(context.Background(), "u", uri, Callbacks{})
	assert.ErrorIs(t, err, ErrNoPreimage)
}

func TestInvoiceFailureAbortsBeforePayment(t *testing.T) {
	p := &fakeProvider{preimage: "x"}
	srv, store, o := setup(t, p)
	srv.FailInvoice(true)

	err := o.SubscribeWithURL(context.Background(), "u", uri, Callbacks{})
	assert.ErrorContains(t, err, "create subscription invoice")
	assert.Empty(t, p.invoices)
	assert.Empty(t, store.Writes())
	assert.Equal(t, 1, p.closed)
}

func TestBadURLIsReported(t *testing.T) {
	srv := lnurltest.New(t)
	o := New(Config{Address: srv.Address("platform")}, srv.Client(), &fakeStore{}, NWCProviders(nwc.EncryptionNIP04))
	err := o.SubscribeWithURL(context.Background(), "u", "https://not-a-wallet", Callbacks{})
	assert.ErrorContains(t, err, "invalid wallet connection")
}

func TestStoreFailureAfterPaymentIsRefreshError(t *testing.T) {
	p := &fakeProvider{preimage: "x"}
	_, store, o := setup(t, p)
	store.err = errors.New("platform down")
	rec := &recorder{}

	err := o.SubscribeWithURL(context.Background(), "u", uri, rec.callbacks())
	var rerr *RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, err.Error(), "payment succeeded")
	assert.Equal(t, 0, rec.successes)
	assert.Equal(t, 1, p.closed)
}

func TestMissingUser(t *testing.T) {
	p := &fakeProvider{preimage: "x"}
	_, store, o := setup(t, p)
	assert.ErrorIs(t, o.SubscribeWithURL(context.Background(), "", uri, Callbacks{}), ErrNoUser)
	assert.ErrorIs(t, o.Cancel(context.Background(), ""), ErrNoUser)
	assert.Empty(t, store.Writes())
}

func TestCancel(t *testing.T) {
	_, store, o := setup(t, &fakeProvider{})
	require.NoError(t, o.Cancel(context.Background(), "u"))
	assert.Equal(t, []write{{"u", false, ""}}, store.Writes())
}

type fakeConnection struct {
	url      string
	approved chan struct{}
	uri      string
}

func (c *fakeConnection) AuthorizationURL() string { return c.url }

func (c *fakeConnection) InitNWC(ctx context.Context) error {
	select {
	case <-c.approved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConnection) NostrWalletConnectURL() (string, error) { return c.uri, nil }

func TestSubscribeWithNewConnection(t *testing.T) {
	p := &fakeProvider{preimage: "x"}
	_, store, o := setup(t, p)
	conn := &fakeConnection{url: "https://wallet.example.com/apps/new?x", approved: make(chan struct{}), uri: uri}

	var got []any
	o.connector = ConnectorFunc(func(opts nwc.ConnectionOptions) (Connection, error) {
		got = append(got, opts)
		return conn, nil
	})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnAuthorizationURL = func(u string) {
		assert.Equal(t, conn.url, u)
		close(conn.approved)
	}

	require.NoError(t, o.SubscribeWithNewConnection(context.Background(), "u", cb))
	assert.Equal(t, []any{nwc.ConnectionOptions{
		MaxAmountSats: 50000,
		BudgetRenewal: "monthly",
		ExpiresAt:     now.Add(DefaultExpiry),
	}}, got)
	assert.Equal(t, []write{{"u", true, uri}}, store.Writes())
	assert.Equal(t, []bool{true, false}, rec.processing)
}

func TestNewConnectionApprovalAbandoned(t *testing.T) {
	p := &fakeProvider{preimage: "x"}
	_, store, o := setup(t, p)
	conn := &fakeConnection{approved: make(chan struct{})}
	o.connector = ConnectorFunc(func(nwc.ConnectionOptions) (Connection, error) { return conn, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := o.SubscribeWithNewConnection(ctx, "u", Callbacks{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, store.Writes())
	assert.Zero(t, p.closed, "no provider was built")
}

func TestNewConnectionWithoutConnector(t *testing.T) {
	_, _, o := setup(t, &fakeProvider{})
	assert.Error(t, o.SubscribeWithNewConnection(context.Background(), "u", Callbacks{}))
}

// Wallet, relay and LNURL service all in process: the wallet pays the real
// invoice and the preimage it returns is what gets the subscription stored.
func TestEndToEndWithNWCWallet(t *testing.T) {
	srv := lnurltest.New(t)
	wallet := nwctest.New(t)
	wallet.OnPay(func(invoice string) (string, *nwc.WalletError) {
		preimage, ok := srv.PayInvoice(invoice)
		if !ok {
			return "", &nwc.WalletError{Code: nwc.ErrorNotFound, Message: "unknown invoice"}
		}
		return preimage, nil
	})

	connector := nwc.NewConnector(nwc.ConnectorConfig{AuthorizeURL: "https://wallet.example.com"})
	store := &fakeStore{}
	var outcomes []string
	o := New(Config{Address: srv.Address("platform"), AmountSats: 1000, AppName: "Courses"}, srv.Client(), store,
		NWCProviders(nwc.EncryptionNIP44), WithConnector(NWCConnector(connector)),
		WithObserver(func(path, outcome string) { outcomes = append(outcomes, path+":"+outcome) }))

	var clientPub string
	o.connector = ConnectorFunc(func(opts nwc.ConnectionOptions) (Connection, error) {
		conn, err := connector.NewConnection(opts)
		if err != nil {
			return nil, err
		}
		clientPub = conn.ClientPubKey()
		return conn, nil
	})
	cb := Callbacks{OnAuthorizationURL: func(string) {
		go func() { _ = connector.Approve(clientPub, wallet.PubKey(), wallet.RelayURL(), "") }()
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.SubscribeWithNewConnection(ctx, "user-9", cb))

	writes := store.Writes()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].subscribed)
	assert.Contains(t, writes[0].nwc, "nostr+walletconnect://"+wallet.PubKey())
	assert.Equal(t, []string{"new_connection:success"}, outcomes)
	assert.Equal(t, []string{"nip44_v2"}, wallet.EncryptionTags())
}
