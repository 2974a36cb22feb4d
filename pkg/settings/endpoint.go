package settings

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ValidateBaseURL checks that the endpoint is an absolute http(s) URL. Plain
// HTTP is only accepted for loopback hosts, the API key travels in a header.
func ValidateBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("URL host is required")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(host) {
			return nil
		}
		return errors.Errorf("plain http is only allowed for local endpoints, not %q", host)
	default:
		return errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
