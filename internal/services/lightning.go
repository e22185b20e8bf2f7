package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LightningAddress is a resolved LUD-16 recipient able to issue invoices.
type LightningAddress struct {
	Address string
	Info    *LNURLPayInfo
	client  *LNURLClient
}

// ResolveAddress resolves a Lightning address to a payable recipient.
func (c *LNURLClient) ResolveAddress(ctx context.Context, address string) (*LightningAddress, error) {
	info, err := c.ResolveLud16(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return &LightningAddress{Address: address, Info: info, client: c}, nil
}

// RequestInvoice asks the recipient for an invoice of exactly sats satoshis.
func (a *LightningAddress) RequestInvoice(ctx context.Context, sats int64, comment string) (*Invoice, error) {
	if sats <= 0 {
		return nil, errors.New("invoice amount must be positive")
	}
	resp, err := a.client.RequestInvoice(ctx, a.Info, InvoiceRequest{AmountMsats: sats * 1000, Comment: comment})
	if err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentRequest: resp.PR,
		VerifyURL:      resp.Verify,
		AmountSats:     sats,
		client:         a.client,
	}, nil
}

// Invoice is a BOLT11 request plus the means to check whether it was paid.
type Invoice struct {
	PaymentRequest string
	VerifyURL      string
	AmountSats     int64

	client   *LNURLClient
	mu       sync.Mutex
	preimage string
}

// VerifyPayment checks the LUD-21 verify URL once. It reports true only when
// the invoice is settled and a preimage was returned.
func (i *Invoice) VerifyPayment(ctx context.Context) (bool, error) {
	if i.VerifyURL == "" || i.client == nil {
		return false, ErrNoVerifyURL
	}
	v, err := i.client.Verify(ctx, i.VerifyURL)
	if err != nil {
		return false, err
	}
	if !v.Settled || v.Preimage == nil || *v.Preimage == "" {
		return false, nil
	}

	i.mu.Lock()
	i.preimage = *v.Preimage
	i.mu.Unlock()
	return true, nil
}

// Preimage returns the payment preimage once VerifyPayment has seen it.
func (i *Invoice) Preimage() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.preimage
}

// IsPaid reports whether a preimage is known.
func (i *Invoice) IsPaid() bool {
	return i.Preimage() != ""
}
