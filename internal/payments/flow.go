package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"unlock-server/internal/services"
)

// State of a flow.
type State string

const (
	StatePending State = "pending" // invoice issued, instrument not yet opened
	StatePolling State = "polling"
	StatePaid    State = "paid"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

// Instrument is what the user pays.
type Instrument struct {
	PaymentRequest string `json:"paymentRequest"`
	QR             string `json:"qr,omitempty"`
	AmountSats     int64  `json:"amountSats"`
}

// Flow is one purchase attempt. It owns at most one poll task.
type Flow struct {
	ID      string
	Request Request

	o       *Orchestrator
	cb      Callbacks
	invoice *services.Invoice
	qr      string

	mu     sync.Mutex
	state  State
	err    error
	gen    int
	cancel context.CancelFunc
}

// Instrument returns the invoice and its QR code.
func (f *Flow) Instrument() Instrument {
	return Instrument{
		PaymentRequest: f.invoice.PaymentRequest,
		QR:             f.qr,
		AmountSats:     f.invoice.AmountSats,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the error that ended the flow, if any.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Open starts polling for settlement, replacing any previous poll task.
// Polling lives until payment, error, Close, or cancellation of ctx.
func (f *Flow) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateClosed:
		return ErrFlowClosed
	case StatePaid:
		return nil
	}

	if f.cancel != nil {
		f.cancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.gen++
	f.state = StatePolling
	f.err = nil

	go f.poll(pollCtx, f.gen, f.o.interval(f.Request.Kind))
	return nil
}

// Close cancels polling. No verify call starts after Close returns.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.state == StatePending || f.state == StatePolling {
		f.state = StateClosed
		f.o.record(f.Request.Kind, "closed")
	} else if f.state == StateFailed {
		f.state = StateClosed
	}
}

func (f *Flow) poll(ctx context.Context, gen int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		paid, err := f.invoice.VerifyPayment(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.fail(gen, err)
			return
		}
		if paid {
			f.complete(ctx, gen)
			return
		}
	}
}

// claim moves the flow out of polling if gen is still the live poll task.
func (f *Flow) claim(gen int, next State, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || f.state != StatePolling {
		return false
	}
	f.state = next
	f.err = err
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return true
}

func (f *Flow) fail(gen int, err error) {
	if !f.claim(gen, StateFailed, err) {
		return
	}
	f.o.logger.Warn("payment verification failed", "flow", f.ID, "error", err)
	f.o.record(f.Request.Kind, "poll_error")
	f.cb.error(err)
}

func (f *Flow) complete(ctx context.Context, gen int) {
	if !f.claim(gen, StatePaid, nil) {
		return
	}
	f.o.logger.Info("invoice paid", "flow", f.ID, "kind", f.Request.Kind, "item", f.Request.ItemID)

	// The payment happened: the grant write must not be cut short by the
	// instrument closing or the poll task being replaced.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grantTimeout)
	defer cancel()

	if err := f.grant(writeCtx); err != nil {
		rerr := &RefreshError{Err: err}
		f.mu.Lock()
		f.err = rerr
		f.mu.Unlock()
		f.o.logger.Error("grant after payment failed", "flow", f.ID, "error", err)
		f.o.record(f.Request.Kind, "grant_error")
		f.cb.error(rerr)
		return
	}

	f.o.record(f.Request.Kind, "paid")
	f.cb.success(f)
}

func (f *Flow) grant(ctx context.Context) error {
	req := f.Request
	var err error
	switch req.Kind {
	case KindCourse:
		err = f.o.store.RecordCoursePurchase(ctx, req.UserID, req.ItemID, req.Amount)
	case KindResource:
		err = f.o.store.RecordResourcePurchase(ctx, req.UserID, req.ItemID, req.Amount)
	default:
		err = ErrInvalidKind
	}
	if err != nil {
		return err
	}
	if f.cb.Refresh != nil {
		if err := f.cb.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh user: %w", err)
		}
	}
	return nil
}
