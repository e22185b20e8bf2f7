// Package nwctest runs a fake NIP-47 wallet behind an in-process relay.
package nwctest

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"unlock-server/internal/nips"
	"unlock-server/internal/nostr"
	"unlock-server/internal/nwc"
	"unlock-server/internal/types"
)

// PayFunc decides the outcome of a pay_invoice request.
type PayFunc func(invoice string) (preimage string, werr *nwc.WalletError)

// Wallet is a relay that answers NWC requests as the wallet would.
type Wallet struct {
	*httptest.Server

	secret []byte
	pubHex string

	mu       sync.Mutex
	pay      PayFunc
	silent   bool
	auth     bool
	authed   []string
	requests []nwc.Request
	encTags  []string
}

// New starts a wallet that pays every invoice with a fixed preimage.
func New(t testing.TB) *Wallet {
	t.Helper()
	secret, err := nips.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := nips.GetPublicKey(secret)

	w := &Wallet{
		secret: secret,
		pubHex: hex.EncodeToString(pub),
		pay: func(string) (string, *nwc.WalletError) {
			return strings.Repeat("ab", 32), nil
		},
	}
	upgrader := websocket.Upgrader{}
	w.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		w.serve(conn)
	}))
	t.Cleanup(w.Close)
	return w
}

// PubKey returns the wallet service pubkey (hex).
func (w *Wallet) PubKey() string { return w.pubHex }

// RelayURL returns the ws:// URL of the relay.
func (w *Wallet) RelayURL() string {
	return "ws" + strings.TrimPrefix(w.URL, "http")
}

// URI returns a connection string for a client holding clientSecret.
func (w *Wallet) URI(clientSecret []byte) string {
	q := url.Values{}
	q.Set("relay", w.RelayURL())
	q.Set("secret", hex.EncodeToString(clientSecret))
	return "nostr+walletconnect://" + w.pubHex + "?" + q.Encode()
}

// NewURI generates a client secret and returns its connection string.
func (w *Wallet) NewURI(t testing.TB) string {
	t.Helper()
	secret, err := nips.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return w.URI(secret)
}

// OnPay replaces the pay_invoice behaviour.
func (w *Wallet) OnPay(fn PayFunc) {
	w.mu.Lock()
	w.pay = fn
	w.mu.Unlock()
}

// Silent makes the relay accept requests without the wallet ever answering.
func (w *Wallet) Silent(silent bool) {
	w.mu.Lock()
	w.silent = silent
	w.mu.Unlock()
}

// RequireAuth sends a NIP-42 challenge to every new connection.
func (w *Wallet) RequireAuth(on bool) {
	w.mu.Lock()
	w.auth = on
	w.mu.Unlock()
}

// Authenticated returns the pubkeys that answered an AUTH challenge.
func (w *Wallet) Authenticated() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.authed...)
}

// Requests returns the decrypted requests received so far.
func (w *Wallet) Requests() []nwc.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]nwc.Request(nil), w.requests...)
}

// EncryptionTags returns the "encryption" tag of each request ("" when absent).
func (w *Wallet) EncryptionTags() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.encTags...)
}

func (w *Wallet) serve(conn *websocket.Conn) {
	w.mu.Lock()
	auth := w.auth
	w.mu.Unlock()
	if auth {
		_ = conn.WriteJSON([]any{"AUTH", "challenge-" + w.pubHex[:8]})
	}

	var subID string
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ string
		_ = json.Unmarshal(msg[0], &typ)

		switch typ {
		case "REQ":
			_ = json.Unmarshal(msg[1], &subID)
			_ = conn.WriteJSON([]any{"EOSE", subID})
		case "AUTH":
			var evt types.Event
			if json.Unmarshal(msg[1], &evt) == nil && nostr.ValidateEventSignature(&evt) {
				w.mu.Lock()
				w.authed = append(w.authed, evt.PubKey)
				w.mu.Unlock()
			}
		case "EVENT":
			var evt types.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}
			_ = conn.WriteJSON([]any{"OK", evt.ID, true, ""})
			if resp := w.handle(&evt, subID); resp != nil {
				_ = conn.WriteJSON(resp)
			}
		}
	}
}

func (w *Wallet) handle(evt *types.Event, subID string) []any {
	if evt.Kind != nwc.RequestKind || !nostr.ValidateEventSignature(evt) {
		return nil
	}
	clientPub, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return nil
	}

	nip44 := evt.TagValue("encryption") == string(nwc.EncryptionNIP44)
	var plaintext string
	if nip44 {
		key, err := nips.GetConversationKey(w.secret, clientPub)
		if err != nil {
			return nil
		}
		plaintext, err = nips.Nip44Decrypt(evt.Content, key)
		if err != nil {
			return nil
		}
	} else {
		key, err := nips.GetNip04SharedSecret(w.secret, clientPub)
		if err != nil {
			return nil
		}
		plaintext, err = nips.Nip04Decrypt(evt.Content, key)
		if err != nil {
			return nil
		}
	}

	var req nwc.Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil
	}

	w.mu.Lock()
	w.requests = append(w.requests, req)
	w.encTags = append(w.encTags, evt.TagValue("encryption"))
	silent, pay := w.silent, w.pay
	w.mu.Unlock()
	if silent {
		return nil
	}

	resp := map[string]any{"result_type": req.Method}
	switch req.Method {
	case "pay_invoice":
		var params nwc.PayInvoiceParams
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &params)
		preimage, werr := pay(params.Invoice)
		if werr != nil {
			resp["error"] = werr
		} else {
			resp["result"] = nwc.PayInvoiceResult{Preimage: preimage}
		}
	case "get_balance":
		resp["result"] = nwc.BalanceResult{Balance: 21_000_000}
	default:
		resp["error"] = nwc.WalletError{Code: nwc.ErrorNotImplemented, Message: req.Method}
	}

	payload, _ := json.Marshal(resp)
	var content string
	if nip44 {
		key, _ := nips.GetConversationKey(w.secret, clientPub)
		content, err = nips.Nip44Encrypt(string(payload), key)
	} else {
		key, _ := nips.GetNip04SharedSecret(w.secret, clientPub)
		content, err = nips.Nip04Encrypt(string(payload), key)
	}
	if err != nil {
		return nil
	}

	out := &types.Event{
		Kind:    nwc.ResponseKind,
		Tags:    [][]string{{"p", evt.PubKey}, {"e", evt.ID}},
		Content: content,
	}
	if err := nostr.SignEvent(out, w.secret); err != nil {
		return nil
	}
	return []any{"EVENT", subID, out}
}
