package db

import (
	"fmt"
	"net/url"
	"strings"
)

// WithScheme returns a DSN identical to the input but with the URL scheme
// replaced. Supports postgres:// and postgresql:// inputs; a DSN without
// a scheme is treated as postgres://.
func WithScheme(dsn, scheme string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Scheme = scheme
	return u.String(), nil
}
