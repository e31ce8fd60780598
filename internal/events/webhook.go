package events

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// blockedIP reports whether webhooks may not reach ip. Link-local addresses,
// which include cloud metadata endpoints, are always refused. Loopback and
// private ranges are refused unless allowPrivate is set.
func blockedIP(ip net.IP, allowPrivate bool) bool {
	if ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if allowPrivate {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// validateWebhook checks a webhook URL before it is stored. Hostnames are
// checked again when dialed, after resolution.
func validateWebhook(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook %q: %v: %w", raw, err, ErrInvalidSubscription)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook %q must be http or https: %w", raw, ErrInvalidSubscription)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook %q has no host: %w", raw, ErrInvalidSubscription)
	}
	if !allowPrivate && strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook %q targets a local address: %w", raw, ErrInvalidSubscription)
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip, allowPrivate) {
		return fmt.Errorf("webhook %q targets a reserved address: %w", raw, ErrInvalidSubscription)
	}
	return nil
}

// guardedDialer refuses connections to blocked addresses once the host name
// has been resolved.
func guardedDialer(allowPrivate bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || blockedIP(ip, allowPrivate) {
				return fmt.Errorf("webhook address %s is not allowed", address)
			}
			return nil
		},
	}
	return d.DialContext
}
