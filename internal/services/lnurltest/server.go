// Package lnurltest runs an in-process LNURL-pay service (LUD-06/16/21) for tests.
package lnurltest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"unlock-server/internal/services"
)

// Server is a fake Lightning address provider. Invoices stay unpaid until Pay is called.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	invoices    map[string]*invoice // by payment hash
	order       []string
	verifyCalls int
	failVerify  bool
	failInvoice bool
	noVerify    bool
	comments    []string
}

type invoice struct {
	pr       string
	msats    int64
	settled  bool
	preimage string
}

// New starts a TLS server; use Client() for a matching LNURL client.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{invoices: make(map[string]*invoice)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/", s.handlePayInfo)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/verify/", s.handleVerify)
	s.Server = httptest.NewTLSServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Address returns a Lightning address served by this server.
func (s *Server) Address(user string) string {
	return user + "@" + strings.TrimPrefix(s.URL, "https://")
}

// Client returns an LNURL client trusting the test certificate.
func (s *Server) Client() *services.LNURLClient {
	c := services.NewLNURLClient().WithHTTPClient(s.Server.Client())
	c.AllowPrivateHosts = true
	return c
}

// Pay settles the most recent invoice and returns its preimage.
func (s *Server) Pay() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return ""
	}
	inv := s.invoices[s.order[len(s.order)-1]]
	inv.settled = true
	return inv.preimage
}

// PayInvoice settles the invoice with the given BOLT11 string.
func (s *Server) PayInvoice(pr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.pr == pr {
			inv.settled = true
			return inv.preimage, true
		}
	}
	return "", false
}

// Invoices returns how many invoices were issued.
func (s *Server) Invoices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// LastAmountMsats returns the amount of the most recent invoice.
func (s *Server) LastAmountMsats() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return 0
	}
	return s.invoices[s.order[len(s.order)-1]].msats
}

// VerifyCalls returns how many verify requests were served.
func (s *Server) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls
}

// Comments returns the comments received with invoice requests.
func (s *Server) Comments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.comments...)
}

// FailVerify makes verify requests return an LNURL error.
func (s *Server) FailVerify(fail bool) {
	s.mu.Lock()
	s.failVerify = fail
	s.mu.Unlock()
}

// FailInvoice makes callback requests return an LNURL error.
func (s *Server) FailInvoice(fail bool) {
	s.mu.Lock()
	s.failInvoice = fail
	s.mu.Unlock()
}

// OmitVerify issues invoices without a LUD-21 verify URL.
func (s *Server) OmitVerify(omit bool) {
	s.mu.Lock()
	s.noVerify = omit
	s.mu.Unlock()
}

func (s *Server) handlePayInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, services.LNURLPayInfo{
		Callback:       s.URL + "/callback",
		MinSendable:    1000,
		MaxSendable:    100_000_000_000,
		Metadata:       `[["text/plain","test"]]`,
		Tag:            "payRequest",
		CommentAllowed: 32,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInvoice {
		writeJSON(w, services.LNURLError{Status: "ERROR", Reason: "invoice backend down"})
		return
	}

	msats, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeJSON(w, services.LNURLError{Status: "ERROR", Reason: "bad amount"})
		return
	}
	if c := r.URL.Query().Get("comment"); c != "" {
		s.comments = append(s.comments, c)
	}

	hash := randomHex(32)
	inv := &invoice{
		pr:       fmt.Sprintf("lnbc%dn1p%s", msats/100, hash[:20]),
		msats:    msats,
		preimage: randomHex(32),
	}
	s.invoices[hash] = inv
	s.order = append(s.order, hash)

	resp := services.LNURLPayResponse{PR: inv.pr}
	if !s.noVerify {
		resp.Verify = s.URL + "/verify/" + hash
	}
	writeJSON(w, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	if s.failVerify {
		writeJSON(w, services.LNURLError{Status: "ERROR", Reason: "verify unavailable"})
		return
	}
	inv, ok := s.invoices[strings.TrimPrefix(r.URL.Path, "/verify/")]
	if !ok {
		writeJSON(w, services.LNURLError{Status: "ERROR", Reason: "not found"})
		return
	}
	resp := map[string]any{"status": "OK", "settled": inv.settled, "pr": inv.pr, "preimage": nil}
	if inv.settled {
		resp["preimage"] = inv.preimage
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
