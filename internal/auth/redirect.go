package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matthieugras/weconnect/internal/logging"
)

// DefaultMaxRedirects bounds a single redirect chain.
const DefaultMaxRedirects = 20

// Page is the terminal result of a redirect walk.
type Page struct {
	// Body is the response body of the last hop, or the callback location
	// when Callback is true.
	Body string
	// URL is the URL of the last request that was sent.
	URL *url.URL
	// Callback is true when the walk stopped at the app's custom scheme.
	Callback bool
}

// Walker executes a request and follows redirects by hand until it reaches a
// terminal page or a Location on the app's callback URI.
// The client must not follow redirects itself (see httpclient.NoRedirect).
type Walker struct {
	Client       *http.Client
	CallbackURI  string // e.g. weconnect://authenticated
	MaxRedirects int
}

// Follow sends req and walks the redirect chain. Each hop is a GET that
// carries over the original headers and body.
func (w *Walker) Follow(req *http.Request) (*Page, error) {
	maxHops := w.MaxRedirects
	if maxHops <= 0 {
		maxHops = DefaultMaxRedirects
	}

	var payload []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		payload, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		setBody(req, payload)
	}

	current := req
	for hop := 0; ; hop++ {
		resp, err := w.Client.Do(current)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", current.Method, redactURL(current.URL), err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", redactURL(current.URL), err)
		}

		if logging.IsDebug() {
			logging.Debug("%s %s -> %d", current.Method, redactURL(current.URL), resp.StatusCode)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Page{Body: string(body), URL: current.URL}, nil
		}

		if !isRedirect(resp.StatusCode) {
			return nil, &UnexpectedStatusError{
				URL:        redactURL(current.URL),
				StatusCode: resp.StatusCode,
				Body:       truncate(string(body)),
			}
		}

		location := resp.Header.Get("Location")
		if location == "" {
			return nil, &MissingLocationError{
				URL:        redactURL(current.URL),
				StatusCode: resp.StatusCode,
				Body:       truncate(string(body)),
			}
		}

		if w.CallbackURI != "" && strings.HasPrefix(location, w.CallbackURI) {
			return &Page{Body: location, URL: current.URL, Callback: true}, nil
		}

		if hop >= maxHops {
			return nil, &RedirectLoopError{Hops: hop, LastURL: location}
		}

		next, err := current.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}

		current, err = cloneAsGet(current.Context(), next, req.Header, payload)
		if err != nil {
			return nil, err
		}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusNotModified:
		return true
	}
	return false
}

func cloneAsGet(ctx context.Context, target *url.URL, header http.Header, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect request: %w", err)
	}
	req.Header = header.Clone()
	if payload != nil {
		setBody(req, payload)
	}
	return req, nil
}

func setBody(req *http.Request, payload []byte) {
	req.Body = io.NopCloser(bytes.NewReader(payload))
	req.ContentLength = int64(len(payload))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
}

// redactURL drops the query string, which carries codes and session state.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.Fragment = ""
	return clean.String()
}
