package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"unlock-server/internal/nips"
	"unlock-server/internal/nostr"
	"unlock-server/internal/types"
)

const (
	RequestKind  = 23194
	ResponseKind = 23195
	authKind     = 22242

	DefaultRequestTimeout = 15 * time.Second // some wallets never answer
	eoseTimeout           = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to wallet")
	ErrTimeout      = errors.New("wallet request timed out")
	ErrClosed       = errors.New("connection closed")
	// ErrUnconfirmed means the relay accepted the request but the wallet never
	// answered. The payment may or may not have been sent; there is no preimage.
	ErrUnconfirmed = errors.New("relay accepted request but wallet sent no response")
)

// Standard NIP-47 error codes.
const (
	ErrorRateLimited         = "RATE_LIMITED"
	ErrorNotImplemented      = "NOT_IMPLEMENTED"
	ErrorInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrorQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrorRestricted          = "RESTRICTED"
	ErrorUnauthorized        = "UNAUTHORIZED"
	ErrorInternal            = "INTERNAL"
	ErrorOther               = "OTHER"
	ErrorPaymentFailed       = "PAYMENT_FAILED"
	ErrorNotFound            = "NOT_FOUND"
)

// Request is a JSON-RPC request to the wallet
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Response is a JSON-RPC response from the wallet
type Response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WalletError    `json:"error,omitempty"`
}

// WalletError is an error reported by the wallet.
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) Error() string {
	return e.Code + ": " + e.Message
}

// PayInvoiceParams are the parameters for pay_invoice method
type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount,omitempty"` // msats, for zero-amount invoices
}

// PayInvoiceResult is the result of a successful payment
type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

// BalanceResult is the result of get_balance
type BalanceResult struct {
	Balance int64 `json:"balance"` // millisatoshis
}

// Client handles communication with one wallet over its relay.
type Client struct {
	config         *Config
	requestTimeout time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	conn      *websocket.Conn
	mu        sync.Mutex // guards conn writes and connected
	connected bool
	subID     string

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	acceptedMu sync.Mutex
	accepted   map[string]bool

	done      chan struct{}
	closeOnce sync.Once
	eose      chan struct{}
	eoseOnce  sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds how long a request waits for the wallet.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client; call Connect before issuing requests.
func NewClient(config *Config, opts ...ClientOption) *Client {
	c := &Client{
		config:         config,
		requestTimeout: DefaultRequestTimeout,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         slog.Default(),
		pending:        make(map[string]chan *Response),
		accepted:       make(map[string]bool),
		done:           make(chan struct{}),
		eose:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the wallet relay and subscribes to responses addressed to us.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.config.Relay, nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to relay %s: %w", c.config.Relay, err)
	}
	c.conn = conn
	c.connected = true
	c.subID = fmt.Sprintf("nwc-%d", time.Now().UnixNano()%1000000)

	// no "since": clock skew would drop responses
	filter := types.Filter{
		Kinds:   []int{ResponseKind},
		Authors: []string{c.config.WalletPubKeyHex()},
		PTags:   []string{c.config.ClientPubKeyHex()},
	}
	if err := conn.WriteJSON([]any{"REQ", c.subID, filter}); err != nil {
		conn.Close()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.mu.Unlock()

	c.logger.Debug("NWC: connected to relay", "relay", c.config.Relay, "wallet", nostr.ShortID(c.config.WalletPubKeyHex()))
	go c.readLoop()

	select {
	case <-c.eose:
	case <-time.After(eoseTimeout):
		c.logger.Debug("NWC: EOSE timeout, proceeding anyway")
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
	return nil
}

// IsConnected returns whether the client has an active connection
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close unsubscribes and closes the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			if c.subID != "" {
				_ = c.conn.WriteJSON([]any{"CLOSE", c.subID})
			}
			c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		var msg []json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("NWC: connection read failed", "error", err)
			}
			return
		}
		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) >= 3 {
				c.handleEvent(msg[2])
			}
		case "OK":
			if len(msg) >= 3 {
				var eventID string
				var success bool
				_ = json.Unmarshal(msg[1], &eventID)
				_ = json.Unmarshal(msg[2], &success)
				if success && eventID != "" {
					c.acceptedMu.Lock()
					c.accepted[eventID] = true
					c.acceptedMu.Unlock()
				}
			}
		case "EOSE":
			c.eoseOnce.Do(func() { close(c.eose) })
		case "NOTICE":
			var notice string
			_ = json.Unmarshal(msg[1], &notice)
			c.logger.Debug("NWC: received NOTICE", "notice", notice)
		case "AUTH":
			var challenge string
			_ = json.Unmarshal(msg[1], &challenge)
			c.handleAuth(challenge)
		}
	}
}

// handleAuth responds to a NIP-42 AUTH challenge
func (c *Client) handleAuth(challenge string) {
	evt := &types.Event{
		Kind: authKind,
		Tags: [][]string{
			{"relay", c.config.Relay},
			{"challenge", challenge},
		},
	}
	if err := nostr.SignEvent(evt, c.config.Secret); err != nil {
		c.logger.Error("NWC: failed to sign AUTH event", "error", err)
		return
	}
	if err := c.write([]any{"AUTH", evt}); err != nil {
		c.logger.Error("NWC: failed to send AUTH response", "error", err)
	}
}

func (c *Client) handleEvent(raw json.RawMessage) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	if evt.Kind != ResponseKind || evt.PubKey != c.config.WalletPubKeyHex() {
		return
	}
	if !nostr.ValidateEventSignature(&evt) {
		c.logger.Warn("NWC: dropping response with bad signature", "event_id", nostr.ShortID(evt.ID))
		return
	}

	decrypted, err := c.decrypt(evt.Content)
	if err != nil {
		c.logger.Error("NWC: failed to decrypt response", "error", err)
		return
	}
	var resp Response
	if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
		c.logger.Error("NWC: failed to parse response", "error", err)
		return
	}

	requestID := evt.TagValue("e")
	if requestID == "" {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (c *Client) encrypt(plaintext string) (string, error) {
	if c.config.Encryption == EncryptionNIP44 {
		return nips.Nip44Encrypt(plaintext, c.config.ConversationKey)
	}
	return nips.Nip04Encrypt(plaintext, c.config.Nip04SharedKey)
}

func (c *Client) decrypt(payload string) (string, error) {
	if strings.Contains(payload, "?iv=") {
		return nips.Nip04Decrypt(payload, c.config.Nip04SharedKey)
	}
	return nips.Nip44Decrypt(payload, c.config.ConversationKey)
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

// createRequestEvent creates a signed kind 23194 event
func (c *Client) createRequestEvent(encrypted string) (*types.Event, error) {
	evt := &types.Event{
		Kind:    RequestKind,
		Tags:    [][]string{{"p", c.config.WalletPubKeyHex()}},
		Content: encrypted,
	}
	if c.config.Encryption == EncryptionNIP44 {
		evt.Tags = append(evt.Tags, []string{"encryption", string(EncryptionNIP44)})
	}
	if err := nostr.SignEvent(evt, c.config.Secret); err != nil {
		return nil, err
	}
	return evt, nil
}

// call publishes one request and waits for the matching response. If the wait
// times out after the relay accepted the event, ErrUnconfirmed is returned.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	payload, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	encrypted, err := c.encrypt(string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt request: %w", err)
	}
	evt, err := c.createRequestEvent(encrypted)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[evt.ID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, evt.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write([]any{"EVENT", evt}); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}
	c.logger.Debug("NWC: request sent", "method", method, "event_id", nostr.ShortID(evt.ID))

	waitCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.acceptedMu.Lock()
		wasAccepted := c.accepted[evt.ID]
		c.acceptedMu.Unlock()
		if wasAccepted {
			return nil, ErrUnconfirmed
		}
		return nil, ErrTimeout
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		if resp.ResultType != method {
			return nil, fmt.Errorf("unexpected result type: %s", resp.ResultType)
		}
		return resp, nil
	}
}

// PayInvoice asks the wallet to pay a BOLT11 invoice.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (*PayInvoiceResult, error) {
	resp, err := c.call(ctx, "pay_invoice", PayInvoiceParams{Invoice: invoice})
	if err != nil {
		return nil, err
	}
	var result PayInvoiceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}

// GetBalance queries the wallet balance.
func (c *Client) GetBalance(ctx context.Context) (*BalanceResult, error) {
	resp, err := c.call(ctx, "get_balance", struct{}{})
	if err != nil {
		return nil, err
	}
	var result BalanceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}

// IsRetryableError returns true if the error might succeed on retry
func IsRetryableError(err error) bool {
	var we *WalletError
	if errors.As(err, &we) {
		return we.Code == ErrorRateLimited || we.Code == ErrorInternal
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected)
}
