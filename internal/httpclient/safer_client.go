// Package httpclient builds the outbound HTTP clients used for remote APIs
// and for fetching caller-supplied URLs.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ekho-app/ekho/errors"
)

// ErrBlocked is returned when a request targets a disallowed scheme or address.
var ErrBlocked = errors.New("request blocked")

// Options customizes a SaferClient.
type Options struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   int      // Default: 10
	// BlockPrivateIP refuses loopback, private and link-local destinations,
	// checked on the resolved address so DNS tricks do not bypass it.
	BlockPrivateIP bool
}

// SaferClient wraps http.Client with scheme, redirect and address checks.
type SaferClient struct {
	*http.Client
	opts Options
}

// New creates a client with the given overall timeout.
// Remote API clients leave BlockPrivateIP off; clients that fetch
// user-supplied URLs turn it on.
func New(timeout time.Duration, opts Options) *SaferClient {
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = []string{"http", "https"}
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	c := &SaferClient{
		Client: &http.Client{Timeout: timeout},
		opts:   opts,
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if opts.BlockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, a := range addrs {
					if isRestricted(a) {
						return nil, errors.Wrapf(ErrBlocked, "private address %s", a)
					}
				}
				// dial the address we checked, not a second lookup
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

func (c *SaferClient) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.opts.AllowedSchemes, scheme) {
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed", scheme)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "URL carries credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.opts.BlockPrivateIP {
		return nil
	}
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.Wrap(ErrBlocked, "localhost access")
	}
	if a, err := netip.ParseAddr(host); err == nil && isRestricted(a) {
		return errors.Wrapf(ErrBlocked, "private address %s", host)
	}
	return nil
}

func isRestricted(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified()
}

// Do validates the request URL before sending it.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// Fetch GETs rawURL and returns at most maxBytes of body along with the
// response content type. Non-2xx responses are errors.
func (c *SaferClient) Fetch(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create request")
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "fetch %s", u.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", errors.Newf("fetch %s: status %d", u.Redacted(), resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read body")
	}
	if int64(len(body)) > maxBytes {
		return nil, "", errors.Newf("fetch %s: body exceeds %d bytes", u.Redacted(), maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
