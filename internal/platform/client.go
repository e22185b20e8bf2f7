// Package platform talks to the learning platform's users API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"unlock-server/internal/store"
	"unlock-server/internal/types"
	"unlock-server/internal/util"
)

const maxBody = 1 << 20

// Client implements store.Store over the platform REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ store.Store = (*Client)(nil)

// New creates a client; token, when set, is sent as a bearer token.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetUser fetches GET /users/{pubkey}.
func (c *Client) GetUser(ctx context.Context, pubkey string) (*types.User, error) {
	var u types.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(pubkey), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type subscriptionUpdate struct {
	UserID       string  `json:"userId"`
	IsSubscribed bool    `json:"isSubscribed"`
	NWC          *string `json:"nwc"`
}

// UpdateSubscription sends PUT /users/subscription. An empty nwcURL is sent as null.
func (c *Client) UpdateSubscription(ctx context.Context, userID string, subscribed bool, nwcURL string) error {
	body := subscriptionUpdate{UserID: userID, IsSubscribed: subscribed}
	if nwcURL != "" {
		body.NWC = &nwcURL
	}
	return c.do(ctx, http.MethodPut, "/users/subscription", body, nil)
}

type coursePurchase struct {
	UserID     string `json:"userId"`
	CourseID   string `json:"courseId"`
	AmountPaid int64  `json:"amountPaid"`
}

type resourcePurchase struct {
	UserID     string `json:"userId"`
	ResourceID string `json:"resourceId"`
	AmountPaid int64  `json:"amountPaid"`
}

// RecordCoursePurchase sends POST /purchase/course.
func (c *Client) RecordCoursePurchase(ctx context.Context, userID, courseID string, amountPaid int64) error {
	return c.do(ctx, http.MethodPost, "/purchase/course", coursePurchase{userID, courseID, amountPaid}, nil)
}

// RecordResourcePurchase sends POST /purchase/resource.
func (c *Client) RecordResourcePurchase(ctx context.Context, userID, resourceID string, amountPaid int64) error {
	return c.do(ctx, http.MethodPost, "/purchase/resource", resourcePurchase{userID, resourceID, amountPaid}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("failed to read platform response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var e util.ErrorBody
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("platform %s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("platform %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse platform response: %w", err)
	}
	return nil
}
