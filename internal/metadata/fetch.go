// Package metadata checks that a token URI resolves before a mint is signed.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultGateway = "https://ipfs.io/ipfs/"

var (
	ErrUnsupportedScheme = errors.New("unsupported token uri scheme")
	ErrUnreachable       = errors.New("metadata unreachable")
)

// Fetcher issues a GET against a token URI and only inspects the outcome.
type Fetcher struct {
	Client  *http.Client
	Gateway string
	Timeout time.Duration
}

func NewFetcher(gateway string, timeout time.Duration) *Fetcher {
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &Fetcher{
		Client:  &http.Client{},
		Gateway: gateway,
		Timeout: timeout,
	}
}

// Resolve maps ipfs:// URIs onto the HTTP gateway and passes http(s) through.
func (f *Fetcher) Resolve(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse token uri: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return uri, nil
	case "ipfs":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		path = strings.TrimPrefix(strings.TrimPrefix(path, "/"), "ipfs/")
		if path == "" {
			return "", fmt.Errorf("token uri %q has no ipfs path", uri)
		}
		return strings.TrimRight(f.Gateway, "/") + "/" + path, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Check returns nil when the URI answers a GET with a 2xx status.
func (f *Fetcher) Check(ctx context.Context, uri string) error {
	target, err := f.Resolve(uri)
	if err != nil {
		return err
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUnreachable, target, resp.StatusCode)
	}
	return nil
}
