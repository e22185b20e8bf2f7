package types

import "time"

// Role carries the subscription side of a user record.
type Role struct {
	Subscribed            bool       `json:"subscribed"`
	NWC                   string     `json:"nwc,omitempty"`
	SubscriptionStartDate *time.Time `json:"subscriptionStartDate,omitempty"`
	LastPaymentAt         *time.Time `json:"lastPaymentAt,omitempty"`
}

// Purchase is a permanent grant for a course or a single resource.
type Purchase struct {
	CourseID   string `json:"courseId,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	AmountPaid int64  `json:"amountPaid"`
}

// User is the platform's user record.
type User struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	Role      *Role      `json:"role,omitempty"`
	Purchased []Purchase `json:"purchased,omitempty"`
	// PrivKey is present only for platform-custodied (anonymous) keys.
	PrivKey string `json:"privkey,omitempty"`
}

// Subscribed reports whether the user holds an active subscription.
func (u *User) Subscribed() bool {
	return u != nil && u.Role != nil && u.Role.Subscribed
}

// HasCoursePurchase reports whether a grant for courseID exists.
func (u *User) HasCoursePurchase(courseID string) bool {
	if u == nil || courseID == "" {
		return false
	}
	for _, p := range u.Purchased {
		if p.CourseID == courseID {
			return true
		}
	}
	return false
}

// HasResourcePurchase reports whether a grant for resourceID exists.
func (u *User) HasResourcePurchase(resourceID string) bool {
	if u == nil || resourceID == "" {
		return false
	}
	for _, p := range u.Purchased {
		if p.ResourceID == resourceID {
			return true
		}
	}
	return false
}

// Session is the authenticated (or anonymous) caller. A nil User is anonymous.
type Session struct {
	ID   string `json:"id"`
	User *User  `json:"user,omitempty"`
}

// PubKey returns the session user's pubkey or "" for anonymous sessions.
func (s *Session) PubKey() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.PubKey
}
