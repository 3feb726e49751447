// Package safety holds guards for talking to upstream APIs and for keeping
// credentials out of logs and output.
package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge indicates a request or response body exceeded its limit.
var ErrBodyTooLarge = errors.New("body too large")

// NewHTTPClient returns a client for upstream API calls. Proxy settings
// come from the environment.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 20 * time.Second
	transport.MaxIdleConnsPerHost = 4
	return &http.Client{Timeout: timeout, Transport: transport}
}

// ReadAllWithLimit reads a webhook payload or API response, failing with
// ErrBodyTooLarge past limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// APIEndpoint parses the base URL of an upstream API. Credentials must not
// be embedded in the URL, and when withToken is set a plain http endpoint is
// only accepted on loopback. The path loses its trailing slash so request
// paths can be appended.
func APIEndpoint(raw string, withToken bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	case u.Host == "":
		return nil, fmt.Errorf("URL host is required")
	case u.User != nil:
		return nil, fmt.Errorf("URL userinfo is not allowed")
	case withToken && u.Scheme == "http" && !isLoopback(u.Hostname()):
		return nil, fmt.Errorf("refusing to send a token over plain HTTP to %s", u.Host)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
