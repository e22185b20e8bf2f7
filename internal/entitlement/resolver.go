// Package entitlement decides whether a session may see the plaintext of a
// content item. It is pure: no I/O, no errors, safe to call on every request.
package entitlement

import (
	"unlock-server/internal/types"
)

// Reason explains a decision.
type Reason string

const (
	ReasonFree               Reason = "FREE"
	ReasonSubscribed         Reason = "SUBSCRIBED"
	ReasonAuthor             Reason = "AUTHOR"
	ReasonPurchasedViaCourse Reason = "PURCHASED_VIA_COURSE"
	ReasonPurchased          Reason = "PURCHASED"
	ReasonPaymentRequired    Reason = "PAYMENT_REQUIRED"
)

// Decision is the resolver's answer.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     Reason `json:"reason"`
	// Price is the effective price in sats (course price when a course wraps the item).
	Price int64 `json:"price"`
	// ShowPrice is true when the UI should display the price rather than a
	// "purchased" badge: for payment-required content and for the author's own work.
	ShowPrice bool `json:"showPrice"`
}

// Resolve applies the grant rules in order; the first match wins.
//
//  1. effective price is 0         -> FREE
//  2. user holds a subscription    -> SUBSCRIBED
//  3. user authored the content    -> AUTHOR
//  4. user bought the course       -> PURCHASED_VIA_COURSE
//  5. user bought the resource     -> PURCHASED (stand-alone items only)
//  6. otherwise                    -> PAYMENT_REQUIRED
//
// A positive course price overrides any lesson price. course may be nil.
func Resolve(session *types.Session, item *types.ContentItem, course *types.Course) Decision {
	price, author := int64(0), ""
	if item != nil {
		price, author = item.Price, item.PubKey
	}
	if course != nil {
		price, author = course.Price, course.PubKey
	}

	if price <= 0 {
		return Decision{Authorized: true, Reason: ReasonFree}
	}

	var user *types.User
	if session != nil {
		user = session.User
	}

	switch {
	case user.Subscribed():
		return Decision{Authorized: true, Reason: ReasonSubscribed, Price: price}
	case user != nil && user.PubKey != "" && isAuthor(user.PubKey, author, item):
		return Decision{Authorized: true, Reason: ReasonAuthor, Price: price, ShowPrice: true}
	case course != nil && user.HasCoursePurchase(course.ID):
		return Decision{Authorized: true, Reason: ReasonPurchasedViaCourse, Price: price}
	case course == nil && item != nil && user.HasResourcePurchase(item.ID):
		return Decision{Authorized: true, Reason: ReasonPurchased, Price: price}
	}

	return Decision{Authorized: false, Reason: ReasonPaymentRequired, Price: price, ShowPrice: true}
}

// Lesson authors inside someone else's course still see their own lesson.
func isAuthor(pubkey, owner string, item *types.ContentItem) bool {
	if pubkey == owner {
		return true
	}
	return item != nil && item.PubKey == pubkey
}
