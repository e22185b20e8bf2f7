// Package store persists users, purchase grants and subscriptions.
package store

import (
	"context"
	"errors"

	"unlock-server/internal/types"
)

var ErrNotFound = errors.New("not found")

// Store is the user/grant/subscription contract. All writes are idempotent:
// repeating a grant or subscription write leaves the same state.
type Store interface {
	GetUser(ctx context.Context, pubkey string) (*types.User, error)
	UpdateSubscription(ctx context.Context, userID string, subscribed bool, nwcURL string) error
	RecordCoursePurchase(ctx context.Context, userID, courseID string, amountPaid int64) error
	RecordResourcePurchase(ctx context.Context, userID, resourceID string, amountPaid int64) error
}

// UserCreator is implemented by stores that can register unknown pubkeys.
type UserCreator interface {
	CreateUser(ctx context.Context, pubkey string) (*types.User, error)
}
