package submit

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrValidation matches every input validation failure.
var ErrValidation = errors.New("invalid audit input")

// ValidationError carries a human-readable reason. No network call is made
// for input that fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateURL checks that raw is an absolute http(s) URL pointing at a public,
// crawlable hostname.
func ValidateURL(raw string, deny *Denylist) error {
	return validateURL("url", raw, deny)
}

func validateURL(field, raw string, deny *Denylist) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid(field, "a URL is required")
	}

	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return invalid(field, "URL must start with http:// or https://")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "URL is not well formed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return invalid(field, "URL must include a hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return invalid(field, "localhost URLs cannot be analyzed")
	}
	if net.ParseIP(host) != nil || numericHost(host) {
		return invalid(field, "IP addresses cannot be analyzed, use a domain name")
	}
	if !strings.Contains(host, ".") {
		return invalid(field, "hostname %q is not a public domain", host)
	}
	if domain, blocked := deny.Match(host); blocked {
		return invalid(field, "%s blocks automated analysis and cannot be audited", domain)
	}
	return nil
}

// numericHost reports whether every label of host is a decimal, octal or
// 0x-hex number. Resolvers read such hosts (127.1, 0x7f.0.0.1) as IPv4.
func numericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return false
		}
		digits, base := label, "0123456789"
		if len(label) > 2 && (label[:2] == "0x" || label[:2] == "0X") {
			digits, base = label[2:], "0123456789abcdefABCDEF"
		}
		if strings.Trim(digits, base) != "" {
			return false
		}
	}
	return true
}
