package render

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdown(t *testing.T) {
	html, err := Markdown("# Lesson 1\n\nSome **bold** text and a [link](https://example.com).")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1")
	assert.Contains(t, html, "<strong>bold</strong>")
	assert.Contains(t, html, `rel="nofollow`)
}

func TestMarkdownStripsScripts(t *testing.T) {
	html, err := Markdown("hello <script>alert(1)</script>\n\n<img src=x onerror=alert(1)>")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script")
	assert.NotContains(t, html, "onerror")
}

func TestSanitizeKeepsVideo(t *testing.T) {
	out := Sanitize(`<video controls src="https://cdn.example.com/a.mp4" onplay="x()"></video>`)
	assert.Contains(t, out, "<video")
	assert.Contains(t, out, `src="https://cdn.example.com/a.mp4"`)
	assert.NotContains(t, out, "onplay")
}

func TestInvoiceQR(t *testing.T) {
	url, err := InvoiceQR("lnbc2100n1ptest")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	_, err = InvoiceQR("")
	assert.Error(t, err)
}
