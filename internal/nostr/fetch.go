package nostr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"unlock-server/internal/types"
)

var ErrEventNotFound = errors.New("event not found on any relay")

const defaultFetchTimeout = 5 * time.Second

// Fetcher runs one-shot REQ/EOSE queries against a fixed relay set.
type Fetcher struct {
	relays  []string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewFetcher creates a fetcher. Relays failing NormalizeRelayURL are dropped.
func NewFetcher(relays []string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		logger:  logger,
	}
	for _, r := range relays {
		if n := NormalizeRelayURL(r); n != "" {
			f.relays = append(f.relays, n)
		}
	}
	return f
}

// Relays returns the normalized relay set.
func (f *Fetcher) Relays() []string { return f.relays }

// Query returns every validly signed event matching filter from all relays,
// deduplicated by id. It returns when every relay sent EOSE or the timeout elapsed.
func (f *Fetcher) Query(ctx context.Context, filter types.Filter) ([]types.Event, error) {
	if len(f.relays) == 0 {
		return nil, errors.New("no relays configured")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	eventCh := make(chan types.Event, 32)
	var wg sync.WaitGroup
	for _, relay := range f.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			f.fetchFromRelay(ctx, relayURL, filter, eventCh)
		}(relay)
	}
	go func() {
		wg.Wait()
		close(eventCh)
	}()

	seen := make(map[string]bool)
	var events []types.Event
	for evt := range eventCh {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		events = append(events, evt)
	}
	return events, nil
}

// FetchAddressable returns the newest event of the given kinds carrying d-tag d.
func (f *Fetcher) FetchAddressable(ctx context.Context, kinds []int, d string) (*types.Event, error) {
	events, err := f.Query(ctx, types.Filter{Kinds: kinds, DTags: []string{d}, Limit: 10})
	if err != nil {
		return nil, err
	}
	var newest *types.Event
	for i := range events {
		if newest == nil || events[i].CreatedAt > newest.CreatedAt {
			newest = &events[i]
		}
	}
	if newest == nil {
		return nil, ErrEventNotFound
	}
	return newest, nil
}

func (f *Fetcher) fetchFromRelay(ctx context.Context, relayURL string, filter types.Filter, eventCh chan<- types.Event) {
	conn, _, err := f.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		f.logger.Debug("relay connect failed", "relay", relayURL, "error", err)
		return
	}
	defer conn.Close()

	// unblock ReadJSON when the deadline passes
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	subID := "unlock-" + randomString(8)
	if err := conn.WriteJSON([]any{"REQ", subID, filter}); err != nil {
		f.logger.Debug("relay REQ failed", "relay", relayURL, "error", err)
		return
	}
	defer conn.WriteJSON([]any{"CLOSE", subID})

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
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
			if len(msg) < 3 {
				continue
			}
			var evt types.Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				continue
			}
			if !ValidateEventSignature(&evt) {
				f.logger.Warn("event signature validation failed", "event_id", ShortID(evt.ID), "relay", relayURL)
				continue
			}
			select {
			case eventCh <- evt:
			case <-ctx.Done():
				return
			}
		case "EOSE":
			return
		case "CLOSED", "NOTICE":
			var reason string
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &reason)
			} else {
				_ = json.Unmarshal(msg[1], &reason)
			}
			f.logger.Debug("relay message", "relay", relayURL, "type", msgType, "reason", reason)
			if msgType == "CLOSED" {
				return
			}
		}
	}
}

func randomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
