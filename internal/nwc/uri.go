// Package nwc is a Nostr Wallet Connect (NIP-47) client restricted to what
// recurring subscription payments need.
package nwc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"unlock-server/internal/nips"
	"unlock-server/internal/nostr"
)

const uriScheme = "nostr+walletconnect://"

// Encryption selects the payload encryption for requests.
type Encryption string

const (
	EncryptionNIP04 Encryption = "nip04"
	EncryptionNIP44 Encryption = "nip44_v2"
)

// Config holds wallet connection parameters extracted from a connection URI.
type Config struct {
	WalletPubKey    []byte
	Relay           string
	Secret          []byte
	Lud16           string
	ClientPubKey    []byte
	ConversationKey []byte // NIP-44
	Nip04SharedKey  []byte // NIP-04
	Encryption      Encryption
}

// ParseURI parses nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex>[&lud16=...]
func ParseURI(uri string) (*Config, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, errors.New("invalid NWC URI: must start with " + uriScheme)
	}

	// url.Parse does not accept the custom scheme
	u, err := url.Parse(strings.Replace(uri, uriScheme, "https://", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid NWC URI: %w", err)
	}

	walletPubKey, err := decodeKey(u.Host, "wallet pubkey")
	if err != nil {
		return nil, err
	}

	relay := nostr.NormalizeRelayURL(u.Query().Get("relay"))
	if relay == "" {
		return nil, errors.New("NWC URI must include a valid ws:// or wss:// relay parameter")
	}

	secret, err := decodeKey(u.Query().Get("secret"), "secret")
	if err != nil {
		return nil, err
	}

	return NewConfig(walletPubKey, relay, secret, u.Query().Get("lud16"))
}

// NewConfig derives the client key and shared secrets for a wallet connection.
func NewConfig(walletPubKey []byte, relay string, secret []byte, lud16 string) (*Config, error) {
	clientPubKey, err := nips.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	conversationKey, err := nips.GetConversationKey(secret, walletPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}
	nip04SharedKey, err := nips.GetNip04SharedSecret(secret, walletPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute NIP-04 shared key: %w", err)
	}

	return &Config{
		WalletPubKey:    walletPubKey,
		Relay:           relay,
		Secret:          secret,
		Lud16:           lud16,
		ClientPubKey:    clientPubKey,
		ConversationKey: conversationKey,
		Nip04SharedKey:  nip04SharedKey,
		Encryption:      EncryptionNIP04,
	}, nil
}

// URI renders the connection string. It contains the secret: never log it.
func (c *Config) URI() string {
	q := url.Values{}
	q.Set("relay", c.Relay)
	q.Set("secret", hex.EncodeToString(c.Secret))
	if c.Lud16 != "" {
		q.Set("lud16", c.Lud16)
	}
	return uriScheme + hex.EncodeToString(c.WalletPubKey) + "?" + q.Encode()
}

// WalletPubKeyHex returns the wallet's public key as hex string
func (c *Config) WalletPubKeyHex() string {
	return hex.EncodeToString(c.WalletPubKey)
}

// ClientPubKeyHex returns the client's public key as hex string
func (c *Config) ClientPubKeyHex() string {
	return hex.EncodeToString(c.ClientPubKey)
}

func decodeKey(s, what string) ([]byte, error) {
	if len(s) != 64 {
		return nil, fmt.Errorf("invalid %s: must be 64 hex characters", what)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: not valid hex", what)
	}
	return b, nil
}
