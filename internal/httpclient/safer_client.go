// Package httpclient provides an HTTP client hardened against SSRF: outbound
// requests to loopback, link-local, and private address space are refused,
// including on redirects and after DNS resolution.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SrivatsaRv/documo/errors"
)

const maxRedirects = 10

// SaferClient wraps http.Client with outbound destination checks. The
// service only ever talks to configured public API hosts; anything that
// resolves inward is an attack or a misconfiguration.
type SaferClient struct {
	*http.Client
	blockPrivateIP bool
}

// NewSaferClient creates a hardened client with the given total timeout.
func NewSaferClient(timeout time.Duration) *SaferClient {
	c := &SaferClient{blockPrivateIP: true}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		// Re-check after resolution so DNS rebinding cannot route a
		// public hostname to an internal address.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isInternalIP(ip) {
					return nil, errors.Newf("internal IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c.Client = &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			if err := c.validateURL(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
	return c
}

// Do executes a request after validating its destination.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if u.User != nil {
		return errors.New("URL credentials not allowed")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if !c.blockPrivateIP {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(hostname); ip != nil && isInternalIP(ip) {
		return errors.Newf("internal IP address blocked: %s", hostname)
	}
	return nil
}

// isInternalIP reports whether ip belongs to private or special-use space.
func isInternalIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

// WrapClient wraps an existing http.Client without destination checks.
// Only for tests that talk to httptest servers on loopback.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{Client: client, blockPrivateIP: false}
}
