package editor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// DefaultMaxInputSize bounds a candidate, in bytes.
	DefaultMaxInputSize = 4096
	// EnvMaxInputSize overrides DefaultMaxInputSize.
	EnvMaxInputSize = "BLOCKQ_MAX_INPUT_SIZE"
)

var (
	ErrInputTooLarge = errors.New("candidate exceeds maximum allowed size")
	ErrInvalidUTF8   = errors.New("candidate contains invalid UTF-8 sequences")
)

// SanitizeCandidate rejects oversized or malformed candidates and strips control
// characters other than newline, tab and carriage return. A limit <= 0 selects the
// environment override or DefaultMaxInputSize.
func SanitizeCandidate(candidate string, limit int) (string, error) {
	if limit <= 0 {
		limit = maxInputSize()
	}
	// Rejected rather than truncated: a truncated candidate would be confirmed as-is.
	if len(candidate) > limit {
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrInputTooLarge, len(candidate), limit)
	}
	if !utf8.ValidString(candidate) {
		return "", ErrInvalidUTF8
	}

	if strings.IndexFunc(candidate, unsafeControl) < 0 {
		return candidate, nil
	}
	var b strings.Builder
	b.Grow(len(candidate))
	for _, r := range candidate {
		if !unsafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func unsafeControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}

func maxInputSize() int {
	if val := os.Getenv(EnvMaxInputSize); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			return size
		}
	}
	return DefaultMaxInputSize
}
