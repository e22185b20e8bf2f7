package decrypt

import (
	"context"
	"encoding/hex"
	"fmt"

	"unlock-server/internal/nips"
)

// LocalDecrypter decrypts content sealed with NIP-04 to the platform app key
// (app key to itself). Used when the service runs without the platform API.
type LocalDecrypter struct {
	shared []byte
}

// NewLocalDecrypter derives the self-shared secret from the app private key (hex).
func NewLocalDecrypter(appKeyHex string) (*LocalDecrypter, error) {
	priv, err := hex.DecodeString(appKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid app key: %w", err)
	}
	pub, err := nips.GetPublicKey(priv)
	if err != nil {
		return nil, err
	}
	shared, err := nips.GetNip04SharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}
	return &LocalDecrypter{shared: shared}, nil
}

func (d *LocalDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return nips.Nip04Decrypt(ciphertext, d.shared)
}

// Encrypt seals plaintext the way Decrypt expects. Publishing tools and tests use it.
func (d *LocalDecrypter) Encrypt(plaintext string) (string, error) {
	return nips.Nip04Encrypt(plaintext, d.shared)
}
