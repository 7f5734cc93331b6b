// Package httpclient builds the HTTP clients used for the login handshake and the backend API.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
)

// Options configures the shared HTTP client.
type Options struct {
	Timeout  time.Duration
	ProxyURL string // http, https or socks5 URL; empty for direct connections
}

// New creates a client that never follows redirects on its own.
// The login handshake walks redirect chains explicitly so it can stop at the
// app's custom scheme callback, which net/http cannot dial.
func New(opts Options) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := applyProxy(transport, opts.ProxyURL); err != nil {
		return nil, err
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: NoRedirect,
	}, nil
}

// NoRedirect makes the client return 3xx responses to the caller.
func NoRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewCookieJar returns an empty cookie jar scoped by the public suffix list.
func NewCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return jar, nil
}

// WithJar creates a transient copy of base that shares its transport and
// timeout but carries its own cookie jar. base is not modified.
func WithJar(base *http.Client, jar http.CookieJar) *http.Client {
	timeout := 30 * time.Second
	var transport http.RoundTripper
	checkRedirect := NoRedirect

	if base != nil {
		timeout = base.Timeout
		transport = base.Transport
		if base.CheckRedirect != nil {
			checkRedirect = base.CheckRedirect
		}
	}

	return &http.Client{
		Jar:           jar,
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}
}

func applyProxy(transport *http.Transport, rawURL string) error {
	if rawURL == "" {
		return nil
	}

	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL %q: %w", rawURL, err)
	}

	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		return fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return nil
}
