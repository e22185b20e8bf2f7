// Package payments runs one-off invoice purchases of courses and resources:
// request an invoice, poll for settlement, record the grant.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"unlock-server/internal/render"
	"unlock-server/internal/services"
)

// Kind of purchased object.
type Kind string

const (
	KindCourse   Kind = "course"
	KindResource Kind = "resource"
)

const (
	DefaultCoursePollInterval   = 1 * time.Second
	DefaultResourcePollInterval = 2 * time.Second
	MinPollInterval             = 1 * time.Second
	MaxPollInterval             = 5 * time.Second

	grantTimeout = 15 * time.Second
)

var (
	ErrFlowClosed  = errors.New("payment flow closed")
	ErrInvalidKind = errors.New("purchase kind must be course or resource")
)

// RefreshError reports a grant write or user refresh that failed after the
// invoice was paid. The payment itself succeeded.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "payment succeeded, reload the page to refresh your access: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

// AddressResolver resolves a Lightning address (services.LNURLClient).
type AddressResolver interface {
	ResolveAddress(ctx context.Context, address string) (*services.LightningAddress, error)
}

// Store records purchase grants. Writes must be idempotent per (user, item).
type Store interface {
	RecordCoursePurchase(ctx context.Context, userID, courseID string, amountPaid int64) error
	RecordResourcePurchase(ctx context.Context, userID, resourceID string, amountPaid int64) error
}

// Callbacks receive the outcome of a flow. All fields are optional.
type Callbacks struct {
	OnSuccess func(*Flow)
	OnError   func(error)
	// Refresh re-fetches the session user after the grant is recorded.
	Refresh func(ctx context.Context) error
}

func (cb Callbacks) success(f *Flow) {
	if cb.OnSuccess != nil {
		cb.OnSuccess(f)
	}
}

func (cb Callbacks) error(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Request describes one purchase attempt.
type Request struct {
	Kind    Kind
	ItemID  string
	UserID  string
	Address string // recipient Lightning address
	Amount  int64  // sats
	Comment string
}

// Orchestrator creates invoice flows.
type Orchestrator struct {
	resolver         AddressResolver
	store            Store
	courseInterval   time.Duration
	resourceInterval time.Duration
	logger           *slog.Logger
	observe          func(Kind, string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPollIntervals sets the verify interval per kind, clamped to 1-5s.
func WithPollIntervals(course, resource time.Duration) Option {
	return func(o *Orchestrator) {
		o.courseInterval = clampInterval(course)
		o.resourceInterval = clampInterval(resource)
	}
}

// withRawPollIntervals skips clamping so tests can poll in milliseconds.
func withRawPollIntervals(course, resource time.Duration) Option {
	return func(o *Orchestrator) {
		o.courseInterval = course
		o.resourceInterval = resource
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver is called with the kind and outcome of every finished flow.
func WithObserver(fn func(kind Kind, outcome string)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// New creates an orchestrator.
func New(resolver AddressResolver, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:         resolver,
		store:            store,
		courseInterval:   DefaultCoursePollInterval,
		resourceInterval: DefaultResourcePollInterval,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func clampInterval(d time.Duration) time.Duration {
	switch {
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	}
	return d
}

func (o *Orchestrator) interval(k Kind) time.Duration {
	if k == KindCourse {
		return o.courseInterval
	}
	return o.resourceInterval
}

func (o *Orchestrator) record(k Kind, outcome string) {
	if o.observe != nil {
		o.observe(k, outcome)
	}
}

// Start resolves the recipient and requests an invoice. On failure OnError is
// called, the error is returned, and nothing is retried.
func (o *Orchestrator) Start(ctx context.Context, req Request, cb Callbacks) (*Flow, error) {
	fail := func(err error) (*Flow, error) {
		o.record(req.Kind, "invoice_error")
		cb.error(err)
		return nil, err
	}

	if req.Kind != KindCourse && req.Kind != KindResource {
		return fail(ErrInvalidKind)
	}
	if req.Amount <= 0 {
		return fail(fmt.Errorf("invalid amount %d", req.Amount))
	}

	addr, err := o.resolver.ResolveAddress(ctx, req.Address)
	if err != nil {
		return fail(fmt.Errorf("failed to resolve payment address: %w", err))
	}
	inv, err := addr.RequestInvoice(ctx, req.Amount, req.Comment)
	if err != nil {
		return fail(fmt.Errorf("failed to create invoice: %w", err))
	}

	qr, err := render.InvoiceQR(inv.PaymentRequest)
	if err != nil {
		o.logger.Warn("invoice QR failed", "error", err)
	}

	f := &Flow{
		ID:      uuid.NewString(),
		Request: req,
		o:       o,
		cb:      cb,
		invoice: inv,
		qr:      qr,
		state:   StatePending,
	}
	o.logger.Info("invoice created", "flow", f.ID, "kind", req.Kind, "item", req.ItemID, "amount", req.Amount)
	return f, nil
}
