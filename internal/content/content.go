package content

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to user-supplied text like display names and message bodies.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts a message body from markdown to HTML and sanitizes the
// result. On a markdown conversion error, the sanitized plain input is
// returned so a message is never lost to a rendering problem.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Sanitize(input)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}
