// Package remote talks to a package repository server: listing, manifests and
// file URLs, with the shared secret header and an optional SOCKS5 proxy.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FraMan97/modsync/internal/auth"
	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/config"
	"github.com/FraMan97/modsync/internal/digest"
	"github.com/FraMan97/modsync/internal/failure"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/FraMan97/modsync/internal/store"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// maxManifestSize bounds manifest and listing bodies.
const maxManifestSize = 64 << 20

type Client struct {
	base           *url.URL
	http           *http.Client
	header         http.Header
	maxAttempts    int
	rateLimitWaits int
	retryDelay     time.Duration
}

// NewHTTPClient builds the transport used for every request, dialing through
// socksProxy (socks5://host:port) when set.
func NewHTTPClient(socksProxy string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if socksProxy != "" {
		u, err := url.Parse(socksProxy)
		if err != nil {
			return nil, errors.Wrap(err, "parse socks proxy")
		}
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "socks proxy")
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		transport.Proxy = nil
		log.Printf("[Remote] - Dialing through SOCKS5 proxy %s\n", u.Host)
	}
	return &http.Client{Transport: transport}, nil
}

func New(cfg *config.Client) (*Client, error) {
	hc, err := NewHTTPClient(cfg.SocksProxy)
	if err != nil {
		return nil, err
	}
	c, err := NewWithHTTPClient(cfg.ServerURL, hc, cfg.Secret)
	if err != nil {
		return nil, err
	}
	c.maxAttempts = cfg.MaxAttempts
	c.rateLimitWaits = cfg.RateLimitWaits
	c.retryDelay = cfg.RetryDelay
	return c, nil
}

func NewWithHTTPClient(serverURL string, hc *http.Client, secret string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	header := http.Header{}
	if secret != "" {
		if base.Scheme != "https" {
			log.Printf("[Remote] - Sending the shared secret to %s without TLS\n", base.Host)
		}
		header.Set(auth.HeaderSecret, secret)
	}
	return &Client{base: base, http: hc, header: header, maxAttempts: 1}, nil
}

func (c *Client) HTTPClient() *http.Client { return c.http }

// Header holds headers every request must carry.
func (c *Client) Header() http.Header { return c.header }

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// FileURL returns the download URL of one file; path is slash separated.
func (c *Client) FileURL(name, path string) string {
	segments := append([]string{"packages", name, "files"}, strings.Split(path, "/")...)
	return c.endpoint(segments...)
}

func (c *Client) getJSON(ctx context.Context, endpoint, op string, v any) error {
	attempts := max(c.maxAttempts, 1)
	attempt, waits := 0, 0
	for {
		attempt++
		err := c.getJSONOnce(ctx, endpoint, op, v)
		if err == nil {
			return nil
		}
		delay := c.retryDelay
		switch failure.KindOf(err) {
		case failure.RateLimited:
			attempt--
			if waits >= c.rateLimitWaits {
				return err
			}
			waits++
			delay = max(delay, failure.RetryAfter(err))
		case failure.Transient:
			if attempt >= attempts {
				return err
			}
		default:
			return err
		}
		log.Printf("[Remote] - %s failed, retrying in %s: %v\n", op, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return failure.New(failure.Cancelled, op, ctx.Err())
		}
	}
}

func (c *Client) getJSONOnce(ctx context.Context, endpoint, op string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failure.New(failure.Protocol, op, err)
	}
	for k, vals := range c.header {
		req.Header[k] = vals
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return failure.New(failure.Cancelled, op, ctx.Err())
		}
		return failure.New(failure.Transient, op, err)
	}
	defer resp.Body.Close()
	if err := failure.FromResponse(resp, op); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestSize)).Decode(v); err != nil {
		return failure.New(failure.Protocol, op, errors.Wrap(err, "decode response"))
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]models.PackageSummary, error) {
	var out []models.PackageSummary
	if err := c.getJSON(ctx, c.endpoint("packages"), "list packages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Manifest fetches and validates the manifest of one package.
func (c *Client) Manifest(ctx context.Context, name string) (*models.PackageManifest, error) {
	var m models.PackageManifest
	op := fmt.Sprintf("manifest %s", name)
	if err := c.getJSON(ctx, c.endpoint("packages", name), op, &m); err != nil {
		return nil, err
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, failure.New(failure.Protocol, op, err)
	}
	if m.Name != name {
		return nil, failure.Newf(failure.Protocol, op, "server answered with package %q", m.Name)
	}
	return &m, nil
}

// ValidateManifest rejects manifests this client cannot apply safely:
// unknown format, unsafe paths, malformed digests or chunk tables that do not
// tile their file.
func ValidateManifest(m *models.PackageManifest) error {
	if m.Format != models.ManifestFormat {
		return errors.Errorf("unsupported manifest format %d", m.Format)
	}
	if m.ChunkSize <= 0 {
		return chunktable.ErrInvalidChunkSize
	}
	if !store.ValidName(m.Name) {
		return errors.Errorf("invalid package name %q", m.Name)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if _, err := store.CleanPath(f.Path); err != nil {
			return err
		}
		if seen[f.Path] {
			return errors.Errorf("duplicate file %q", f.Path)
		}
		seen[f.Path] = true
		if !digest.Valid(f.Digest) {
			return errors.Errorf("file %q has an invalid digest", f.Path)
		}
		if err := chunktable.Validate(f.Chunks, f.Size); err != nil {
			return errors.Wrapf(err, "file %q", f.Path)
		}
		for _, ch := range f.Chunks {
			if ch.Length > m.ChunkSize {
				return errors.Errorf("file %q chunk %d exceeds the chunk size", f.Path, ch.Index)
			}
		}
	}
	return nil
}
