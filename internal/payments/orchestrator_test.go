package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"unlock-server/internal/services/lnurltest"
)

type grant struct {
	kind   Kind
	user   string
	item   string
	amount int64
}

type fakeStore struct {
	mu     sync.Mutex
	grants []grant
	err    error
}

func (s *fakeStore) RecordCoursePurchase(_ context.Context, userID, courseID string, amount int64) error {
	return s.add(grant{KindCourse, userID, courseID, amount})
}

func (s *fakeStore) RecordResourcePurchase(_ context.Context, userID, resourceID string, amount int64) error {
	return s.add(grant{KindResource, userID, resourceID, amount})
}

func (s *fakeStore) add(g grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.grants = append(s.grants, g)
	return nil
}

func (s *fakeStore) Grants() []grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]grant(nil), s.grants...)
}

type outcome struct {
	success chan *Flow
	failure chan error
}

func newOutcome() *outcome {
	return &outcome{success: make(chan *Flow, 1), failure: make(chan error, 1)}
}

func (o *outcome) callbacks(refresh func(context.Context) error) Callbacks {
	return Callbacks{
		OnSuccess: func(f *Flow) { o.success <- f },
		OnError:   func(err error) { o.failure <- err },
		Refresh:   refresh,
	}
}

func setup(t *testing.T) (*lnurltest.Server, *fakeStore, *Orchestrator) {
	t.Helper()
	srv := lnurltest.New(t)
	store := &fakeStore{}
	o := New(srv.Client(), store, withRawPollIntervals(10*time.Millisecond, 20*time.Millisecond))
	return srv, store, o
}

func TestCoursePurchaseGrantsAndRefreshes(t *testing.T) {
	srv, store, o := setup(t)
	out := newOutcome()
	refreshed := make(chan struct{}, 1)

	req := Request{Kind: KindCourse, ItemID: "course-1", UserID: "user-1", Address: srv.Address("author"), Amount: 50000}
	f, err := o.Start(context.Background(), req, out.callbacks(func(context.Context) error {
		refreshed <- struct{}{}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, StatePending, f.State())

	inst := f.Instrument()
	assert.NotEmpty(t, inst.PaymentRequest)
	assert.Contains(t, inst.QR, "data:image/png;base64,")
	assert.Equal(t, int64(50000), inst.AmountSats)
	assert.Equal(t, int64(50_000_000), srv.LastAmountMsats())

	require.NoError(t, f.Open(context.Background()))
	assert.Equal(t, StatePolling, f.State())
	srv.Pay()

	select {
	case got := <-out.success:
		assert.Same(t, f, got)
	case err := <-out.failure:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not complete")
	}

	assert.Len(t, refreshed, 1, "user refreshed before success")
	assert.Equal(t, StatePaid, f.State())
	assert.Equal(t, []grant{{KindCourse, "user-1", "course-1", 50000}}, store.Grants())
}

func TestResourcePurchaseRecordsResourceGrant(t *testing.T) {
	srv, store, o := setup(t)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindResource, ItemID: "r1", UserID: "u1", Address: srv.Address("a"), Amount: 21}, out.callbacks(nil))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))
	srv.Pay()

	select {
	case <-out.success:
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not complete")
	}
	assert.Equal(t, []grant{{KindResource, "u1", "r1", 21}}, store.Grants())
}

func TestInvoiceRequestFailureCallsOnError(t *testing.T) {
	srv, _, o := setup(t)
	srv.FailInvoice(true)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", Address: srv.Address("a"), Amount: 10}, out.callbacks(nil))
	assert.Nil(t, f)
	require.Error(t, err)
	assert.Equal(t, err, <-out.failure)
	assert.Zero(t, srv.Invoices(), "no retry")
}

func TestStartRejectsBadRequests(t *testing.T) {
	srv, _, o := setup(t)
	_, err := o.Start(context.Background(), Request{Kind: "gift", Address: srv.Address("a"), Amount: 10}, Callbacks{})
	assert.ErrorIs(t, err, ErrInvalidKind)
	_, err = o.Start(context.Background(), Request{Kind: KindCourse, Address: srv.Address("a")}, Callbacks{})
	assert.Error(t, err)
	assert.Zero(t, srv.Invoices())
}

func TestCloseStopsPolling(t *testing.T) {
	srv, store, o := setup(t)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", UserID: "u", Address: srv.Address("a"), Amount: 10}, out.callbacks(nil))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))

	require.Eventually(t, func() bool { return srv.VerifyCalls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	f.Close()
	assert.Equal(t, StateClosed, f.State())

	// let an in-flight verify drain, then make sure nothing new starts
	time.Sleep(30 * time.Millisecond)
	calls := srv.VerifyCalls()
	srv.Pay()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, srv.VerifyCalls())
	assert.Empty(t, store.Grants())
	assert.Empty(t, out.success)

	assert.ErrorIs(t, f.Open(context.Background()), ErrFlowClosed)
}

func TestVerifyErrorStopsPolling(t *testing.T) {
	srv, store, o := setup(t)
	srv.FailVerify(true)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", UserID: "u", Address: srv.Address("a"), Amount: 10}, out.callbacks(nil))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))

	select {
	case err := <-out.failure:
		assert.ErrorContains(t, err, "verify unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	assert.Equal(t, StateFailed, f.State())

	calls := srv.VerifyCalls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, srv.VerifyCalls())
	assert.Empty(t, store.Grants())
}

func TestReopenReplacesPollTask(t *testing.T) {
	srv, store, o := setup(t)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", UserID: "u", Address: srv.Address("a"), Amount: 10}, out.callbacks(nil))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))
	require.NoError(t, f.Open(context.Background()))
	require.NoError(t, f.Open(context.Background()))
	srv.Pay()

	select {
	case <-out.success:
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not complete")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, store.Grants(), 1, "only one poll task records the grant")
}

func TestSessionTeardownCancelsPolling(t *testing.T) {
	srv, _, o := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", Address: srv.Address("a"), Amount: 10}, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, f.Open(ctx))
	require.Eventually(t, func() bool { return srv.VerifyCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	calls := srv.VerifyCalls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, srv.VerifyCalls())
}

func TestGrantFailureAfterPaymentIsRefreshError(t *testing.T) {
	srv, store, o := setup(t)
	store.err = errors.New("platform unavailable")
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindCourse, ItemID: "c", UserID: "u", Address: srv.Address("a"), Amount: 10}, out.callbacks(nil))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))
	srv.Pay()

	select {
	case err := <-out.failure:
		var rerr *RefreshError
		require.ErrorAs(t, err, &rerr)
		assert.Contains(t, err.Error(), "payment succeeded")
		assert.ErrorIs(t, err, store.err)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	assert.Equal(t, StatePaid, f.State(), "payment is never hidden")
}

func TestRefreshFailureIsRefreshError(t *testing.T) {
	srv, store, o := setup(t)
	out := newOutcome()

	f, err := o.Start(context.Background(), Request{Kind: KindResource, ItemID: "r", UserID: "u", Address: srv.Address("a"), Amount: 10},
		out.callbacks(func(context.Context) error { return errors.New("user api down") }))
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))
	srv.Pay()

	select {
	case err := <-out.failure:
		var rerr *RefreshError
		assert.ErrorAs(t, err, &rerr)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	assert.Len(t, store.Grants(), 1)
}

func TestObserverAndClamp(t *testing.T) {
	o := New(nil, nil, WithPollIntervals(100*time.Millisecond, time.Minute))
	assert.Equal(t, MinPollInterval, o.interval(KindCourse))
	assert.Equal(t, MaxPollInterval, o.interval(KindResource))

	d := New(nil, nil)
	assert.Equal(t, DefaultCoursePollInterval, d.interval(KindCourse))
	assert.Equal(t, DefaultResourcePollInterval, d.interval(KindResource))

	var outcomes []string
	srv := lnurltest.New(t)
	obs := New(srv.Client(), &fakeStore{}, WithObserver(func(_ Kind, o string) { outcomes = append(outcomes, o) }))
	f, err := obs.Start(context.Background(), Request{Kind: KindCourse, Address: srv.Address("a"), Amount: 1}, Callbacks{})
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, []string{"closed"}, outcomes)
}
