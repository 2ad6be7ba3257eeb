// Package clipboard reads a download URL from the system clipboard for
// commands that take --from-clipboard instead of a positional argument.
package clipboard

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
)

// maxLen guards against pasting whole documents; real manifest URLs run
// a few hundred characters at most.
const maxLen = 2048

// ReadURL reads the system clipboard and returns the http(s) URL it
// holds.
func ReadURL() (string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("reading clipboard: %w", err)
	}
	return ExtractURL(text)
}

// ExtractURL validates that text is a single usable http(s) URL and
// returns it trimmed. Surrounding whitespace is forgiven, anything else
// (multiple lines, prose, other schemes) is rejected.
func ExtractURL(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("clipboard is empty")
	}
	if len(text) > maxLen || strings.ContainsAny(text, " \t\n\r") {
		return "", errors.New("clipboard does not hold a single URL")
	}
	parsed, err := url.Parse(text)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", errors.New("clipboard text is not an http(s) URL")
	}
	return parsed.String(), nil
}
