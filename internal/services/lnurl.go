package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"unlock-server/internal/nips"
	"unlock-server/internal/util"
)

// LNURL-pay handling for Lightning payments (LUD-06, LUD-16, LUD-21)

const (
	LNURLHTTPTimeout = 10 * time.Second
)

var (
	ErrNoVerifyURL = errors.New("invoice has no verify URL")
	ErrAmountRange = errors.New("amount outside payable range")
)

// LNURLClient talks to LNURL-pay services.
type LNURLClient struct {
	http *http.Client
	// AllowPrivateHosts disables the SSRF host checks (local development and tests).
	AllowPrivateHosts bool
}

// NewLNURLClient returns a client with a dedicated HTTP transport and timeouts.
func NewLNURLClient() *LNURLClient {
	return &LNURLClient{
		http: &http.Client{
			Timeout: LNURLHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 5 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *LNURLClient) WithHTTPClient(hc *http.Client) *LNURLClient {
	c.http = hc
	return c
}

// ValidateExternalURL validates that a URL is safe to fetch (SSRF prevention)
func ValidateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if util.IsPrivateHost(host) || host == "0.0.0.0" {
		return errors.New("internal hosts not allowed")
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errors.New("private IP ranges not allowed")
		}
	}

	return nil
}

func (c *LNURLClient) validate(rawURL string) error {
	if c.AllowPrivateHosts {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("invalid URL: %s", rawURL)
		}
		return nil
	}
	return ValidateExternalURL(rawURL)
}

// LNURLPayInfo contains the payment endpoint info from initial LNURL fetch
type LNURLPayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`    // millisats
	MaxSendable    int64  `json:"maxSendable"`    // millisats
	Metadata       string `json:"metadata"`       // JSON stringified metadata
	Tag            string `json:"tag"`            // should be "payRequest"
	AllowsNostr    bool   `json:"allowsNostr"`    // supports NIP-57 zaps
	NostrPubkey    string `json:"nostrPubkey"`    // pubkey for zap receipts
	CommentAllowed int    `json:"commentAllowed"` // max comment length, 0 = no comments
}

// LNURLPayResponse contains the invoice from callback
type LNURLPayResponse struct {
	PR     string `json:"pr"`               // BOLT11 invoice
	Verify string `json:"verify,omitempty"` // LUD-21 verify URL
}

// LNURLError is returned on LNURL errors
type LNURLError struct {
	Status string `json:"status"` // "ERROR"
	Reason string `json:"reason"`
}

// LightningAddressURL returns the LUD-16 well-known URL for user@domain.
func LightningAddressURL(address string, insecure bool) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(address), "@", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid lightning address: expected user@domain")
	}
	user, domain := parts[0], parts[1]
	if user == "" || domain == "" {
		return "", errors.New("invalid lightning address: empty username or domain")
	}
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", scheme, domain, strings.ToLower(user)), nil
}

// ResolveLud16 resolves a Lightning address (user@domain.com) to LNURL pay info
func (c *LNURLClient) ResolveLud16(ctx context.Context, lud16 string) (*LNURLPayInfo, error) {
	lnurlURL, err := LightningAddressURL(lud16, false)
	if err != nil {
		return nil, err
	}
	return c.FetchLNURLPayInfo(ctx, lnurlURL)
}

// ResolveLud06 decodes a bech32 LNURL and fetches the pay info
func (c *LNURLClient) ResolveLud06(ctx context.Context, lud06 string) (*LNURLPayInfo, error) {
	lnurlURL, err := nips.DecodeLNURL(lud06)
	if err != nil {
		return nil, fmt.Errorf("failed to decode lnurl: %w", err)
	}
	return c.FetchLNURLPayInfo(ctx, lnurlURL)
}

// FetchLNURLPayInfo fetches the LNURL-pay info from the endpoint
func (c *LNURLClient) FetchLNURLPayInfo(ctx context.Context, lnurlURL string) (*LNURLPayInfo, error) {
	if err := c.validate(lnurlURL); err != nil {
		return nil, fmt.Errorf("invalid lnurl: %w", err)
	}

	body, err := c.getJSON(ctx, lnurlURL)
	if err != nil {
		return nil, err
	}

	var info LNURLPayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lnurl response: %w", err)
	}

	if info.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag: %s (expected payRequest)", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable <= 0 {
		return nil, errors.New("lnurl missing amount limits")
	}

	return &info, nil
}

// InvoiceRequest describes the invoice to request from a callback.
type InvoiceRequest struct {
	AmountMsats int64
	Comment     string
	// ZapRequest is an optional signed kind 9734 event (NIP-57).
	ZapRequest string
	LNURL      string
}

// RequestInvoice requests a BOLT11 invoice from the LNURL callback
func (c *LNURLClient) RequestInvoice(ctx context.Context, info *LNURLPayInfo, req InvoiceRequest) (*LNURLPayResponse, error) {
	if err := c.validate(info.Callback); err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}

	if req.AmountMsats < info.MinSendable || req.AmountMsats > info.MaxSendable {
		return nil, fmt.Errorf("%w: %d msats not in [%d, %d]", ErrAmountRange, req.AmountMsats, info.MinSendable, info.MaxSendable)
	}

	callbackURL, err := url.Parse(info.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}

	query := callbackURL.Query()
	query.Set("amount", strconv.FormatInt(req.AmountMsats, 10))
	// comments longer than the service allows are dropped, not truncated
	if req.Comment != "" && info.CommentAllowed > 0 && len([]rune(req.Comment)) <= info.CommentAllowed {
		query.Set("comment", req.Comment)
	}
	if req.ZapRequest != "" {
		query.Set("nostr", req.ZapRequest)
		if req.LNURL != "" {
			query.Set("lnurl", req.LNURL)
		}
	}
	callbackURL.RawQuery = query.Encode()

	body, err := c.getJSON(ctx, callbackURL.String())
	if err != nil {
		return nil, err
	}

	var payResp LNURLPayResponse
	if err := json.Unmarshal(body, &payResp); err != nil {
		return nil, fmt.Errorf("failed to parse callback response: %w", err)
	}
	if payResp.PR == "" {
		return nil, errors.New("callback returned empty invoice")
	}

	return &payResp, nil
}

// VerifyResponse is the LUD-21 verify payload.
type VerifyResponse struct {
	Status   string  `json:"status"`
	Settled  bool    `json:"settled"`
	Preimage *string `json:"preimage"`
	PR       string  `json:"pr"`
}

// Verify polls a LUD-21 verify URL once.
func (c *LNURLClient) Verify(ctx context.Context, verifyURL string) (*VerifyResponse, error) {
	if verifyURL == "" {
		return nil, ErrNoVerifyURL
	}
	if err := c.validate(verifyURL); err != nil {
		return nil, fmt.Errorf("invalid verify URL: %w", err)
	}
	body, err := c.getJSON(ctx, verifyURL)
	if err != nil {
		return nil, err
	}
	var v VerifyResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse verify response: %w", err)
	}
	return &v, nil
}

func (c *LNURLClient) getJSON(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnurl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var lnurlErr LNURLError
	if err := json.Unmarshal(body, &lnurlErr); err == nil && strings.EqualFold(lnurlErr.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl error: %s", lnurlErr.Reason)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnurl returned status %d", resp.StatusCode)
	}
	return body, nil
}

// MsatsToSats converts millisatoshis to satoshis (rounds down)
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}
