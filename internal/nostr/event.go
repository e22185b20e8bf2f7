package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"unlock-server/internal/nips"
	"unlock-server/internal/types"
)

// ComputeEventID returns the NIP-01 id: sha256 of [0,pubkey,created_at,kind,tags,content].
func ComputeEventID(evt *types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode never fails for these value types.
	_ = enc.Encode([]any{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})

	hash := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(hash[:])
}

// SignEvent fills PubKey, ID and Sig using the given secret key.
func SignEvent(evt *types.Event, privKeyBytes []byte) error {
	pub, err := nips.GetPublicKey(privKeyBytes)
	if err != nil {
		return err
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = hex.EncodeToString(pub)
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return errors.New("failed to sign event: " + err.Error())
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// ValidateEventSignature verifies the id and Schnorr signature of a Nostr event.
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}
	if ComputeEventID(evt) != evt.ID {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
