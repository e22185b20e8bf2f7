// Package nips implements the Nostr cryptographic primitives the service needs:
// key handling, NIP-04 and NIP-44 v2 payload encryption, and bech32 (NIP-19, LUD-06).
package nips

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

var ErrInvalidPubkey = errors.New("invalid public key")

// GeneratePrivateKey generates a new random secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// GetPublicKey derives the BIP-340 x-only public key (32 bytes).
func GetPublicKey(privKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("invalid private key length")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return privKey.PubKey().SerializeCompressed()[1:], nil
}

// PublicKeyHex is GetPublicKey for hex encoded keys.
func PublicKeyHex(privKeyHex string) (string, error) {
	raw, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", err
	}
	pub, err := GetPublicKey(raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// parseXOnly lifts an x-only key to a full point, trying the even y coordinate first.
func parseXOnly(pubKeyBytes []byte) (*btcec.PublicKey, error) {
	if len(pubKeyBytes) != 32 {
		return nil, ErrInvalidPubkey
	}
	withPrefix := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(withPrefix)
	if err != nil {
		withPrefix[0] = 0x03
		pubKey, err = btcec.ParsePubKey(withPrefix)
		if err != nil {
			return nil, ErrInvalidPubkey
		}
	}
	return pubKey, nil
}

// sharedX returns the 32-byte x coordinate of the ECDH point.
func sharedX(privKeyBytes, pubKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("invalid private key length")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	pubKey, err := parseXOnly(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	x := btcec.GenerateSharedSecret(privKey, pubKey)
	if len(x) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(x):], x)
		return padded, nil
	}
	return x, nil
}
