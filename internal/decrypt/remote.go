package decrypt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteDecrypter calls the platform's decrypt endpoint:
// POST {encryptedContent} -> {decryptedContent}.
type RemoteDecrypter struct {
	url    string
	token  string
	client *http.Client
}

type decryptRequest struct {
	EncryptedContent string `json:"encryptedContent"`
}

type decryptResponse struct {
	DecryptedContent *string `json:"decryptedContent"`
	Error            string  `json:"error,omitempty"`
}

// NewRemoteDecrypter creates a decrypter; token, when set, is sent as a bearer token.
func NewRemoteDecrypter(url, token string, timeout time.Duration) *RemoteDecrypter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteDecrypter{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *RemoteDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	body, err := json.Marshal(decryptRequest{EncryptedContent: ciphertext})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("decrypt request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read decrypt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("decrypt endpoint returned status %d", resp.StatusCode)
	}

	var out decryptResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to parse decrypt response: %w", err)
	}
	if out.DecryptedContent == nil {
		if out.Error != "" {
			return "", errors.New("decrypt endpoint: " + out.Error)
		}
		return "", errors.New("decrypt response missing decryptedContent")
	}
	return *out.DecryptedContent, nil
}
