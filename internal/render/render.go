// Package render turns decrypted content and invoices into safe presentation forms.
package render

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	md = goldmark.New(goldmark.WithExtensions(extension.GFM))

	// UGC policy plus lesson media embeds; everything else is stripped.
	policy = func() *bluemonday.Policy {
		p := bluemonday.UGCPolicy()
		p.AllowAttrs("controls", "src", "poster").OnElements("video", "audio")
		p.AllowElements("video", "audio", "source")
		p.AllowAttrs("src", "type").OnElements("source")
		p.RequireNoFollowOnLinks(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		return p
	}()
)

// Markdown renders content to sanitized HTML.
func Markdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// Sanitize strips unsafe markup from already rendered HTML.
func Sanitize(html string) string {
	return policy.Sanitize(html)
}

// InvoiceQR returns a PNG data URL for a BOLT11 invoice. Uppercase keeps the
// QR in alphanumeric mode, which makes the code noticeably smaller.
func InvoiceQR(bolt11 string) (string, error) {
	if bolt11 == "" {
		return "", errors.New("empty invoice")
	}
	png, err := qrcode.Encode("lightning:"+strings.ToUpper(bolt11), qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("generate QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
