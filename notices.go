package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"unlock-server/internal/nwc"
	"unlock-server/internal/payments"
	"unlock-server/internal/services"
	"unlock-server/internal/subscription"
)

// Notice types
const (
	noticeSuccess = "success"
	noticeError   = "error"
	noticeInfo    = "info"
)

// maxNotices bounds a session's undrained queue; the oldest notice is dropped.
const maxNotices = 20

// Notice is a one-shot message for the user, drained by GET /notices.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// noticeQueue holds a session's pending notices.
type noticeQueue struct {
	mu      sync.Mutex
	pending []Notice
}

func (q *noticeQueue) push(typ, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= maxNotices {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, Notice{Type: typ, Message: message})
}

func (q *noticeQueue) success(message string) { q.push(noticeSuccess, message) }
func (q *noticeQueue) info(message string)    { q.push(noticeInfo, message) }

// error records err as a user-safe message.
func (q *noticeQueue) error(action string, err error) {
	q.push(noticeError, sanitizeErrorForUser(action, err))
}

// drain returns and clears the pending notices.
func (q *noticeQueue) drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	if out == nil {
		out = []Notice{}
	}
	return out
}

// sanitizeErrorForUser logs err and returns a message safe to show the user.
func sanitizeErrorForUser(action string, err error) string {
	slog.Error(action, "error", err)
	return userMessage(err)
}

// userMessage maps err to a message safe to show the user. A payment that
// went through is always reported as such.
func userMessage(err error) string {
	var (
		payRefresh *payments.RefreshError
		subRefresh *subscription.RefreshError
		walletErr  *nwc.WalletError
	)
	switch {
	case errors.As(err, &payRefresh), errors.As(err, &subRefresh):
		return "Payment succeeded, reload the page to refresh your access"
	case errors.Is(err, subscription.ErrNoPreimage), errors.Is(err, nwc.ErrUnconfirmed):
		return "The wallet did not confirm the payment. Check your wallet before trying again"
	case errors.As(err, &walletErr):
		if walletErr.Code == nwc.ErrorInsufficientBalance {
			return "Insufficient balance in the connected wallet"
		}
		return "The wallet rejected the payment"
	case errors.Is(err, nwc.ErrApprovalExpired), errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the wallet"
	case errors.Is(err, services.ErrAmountRange):
		return "The payment amount is not accepted by the recipient"
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "Connection timed out"
	case strings.Contains(errStr, "connection refused"):
		return "Could not connect to the payment service"
	case strings.Contains(errStr, "invoice"):
		return "Could not create an invoice, please try again"
	case strings.Contains(errStr, "invalid"):
		return "Invalid input format"
	default:
		return "Operation failed"
	}
}
