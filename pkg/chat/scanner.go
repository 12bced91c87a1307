// Package chat scrubs secrets from message text before it reaches the
// store. Agents paste terminal output into the room, and a key or token
// in the transcript outlives the session that leaked it.
package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Redacted replaces every matched secret in stored text.
const Redacted = "[redacted]"

// redactionNote marks messages the scanner touched.
const redactionNote = " (Note: content redacted by scanner)"

// DefaultTimeout bounds one scan so a pathological message cannot stall
// the append path.
const DefaultTimeout = 800 * time.Millisecond

// Scanner detects secrets in chat text. Scan returns the redacted text
// and whether anything was replaced.
type Scanner interface {
	Scan(ctx context.Context, text string) (redacted string, found bool, err error)
}

// secretPatterns covers the credential shapes agents commonly paste:
// model-provider API keys, cloud access keys, VCS tokens, bearer headers,
// and PEM private key blocks.
var secretPatterns = []*regexp.Regexp{
	// OpenAI
	regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{48,}`),
	// Anthropic
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{95,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{48}`),
	// AWS access key ids
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// GitHub tokens, all prefixes
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),
	// Slack bot/user tokens
	regexp.MustCompile(`xox[bpars]-[A-Za-z0-9-]{10,}`),
	// Bearer headers
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9_.-]{20,}`),
	// key=value style assignments
	regexp.MustCompile(`(?i)api[_-]?key[_-]?[:=]\s*['"]?[A-Za-z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)secret[_-]?[:=]\s*['"]?[A-Za-z0-9_-]{20,}['"]?`),
	// PEM private key headers
	regexp.MustCompile(`-----BEGIN\s+(?:RSA|DSA|EC|OPENSSH|PGP)\s+PRIVATE\s+KEY-----`),
}

// PatternScanner matches well-known credential shapes with regular
// expressions. The zero value is not usable; call NewPatternScanner.
type PatternScanner struct {
	patterns []*regexp.Regexp
	timeout  time.Duration
}

// NewPatternScanner returns a scanner over the built-in patterns. A
// non-positive timeout takes DefaultTimeout.
func NewPatternScanner(timeout time.Duration) *PatternScanner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PatternScanner{patterns: secretPatterns, timeout: timeout}
}

// Scan replaces every pattern match in text. The context is checked
// between patterns so a cancelled caller stops paying for the rest.
func (s *PatternScanner) Scan(ctx context.Context, text string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	found := false
	for _, re := range s.patterns {
		if err := ctx.Err(); err != nil {
			return "", false, fmt.Errorf("secret scan interrupted: %w", err)
		}
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, Redacted)
			found = true
		}
	}
	return text, found, nil
}

// Redact runs the scanner and appends a redaction note when anything was
// replaced. Scanner failures fail open: the original text comes back with
// the error so a slow pattern never drops a message.
func Redact(ctx context.Context, sc Scanner, text string) (string, error) {
	redacted, found, err := sc.Scan(ctx, text)
	if err != nil {
		return text, fmt.Errorf("secret scanner failed: %w", err)
	}
	if found && !strings.HasSuffix(redacted, redactionNote) {
		redacted += redactionNote
	}
	return redacted, nil
}
