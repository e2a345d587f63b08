package transport

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxRedirects bounds the status probe's redirect chain.
const maxRedirects = 10

// ServerStatus is the decoded status.php reply, plus the certificate chain
// seen on the final hop so callers can pin or inspect it.
type ServerStatus struct {
	Installed     bool   `json:"installed"`
	Version       string `json:"version"`
	VersionString string `json:"versionstring"`
	Edition       string `json:"edition"`

	// URL is where the probe ended up after redirects.
	URL string `json:"-"`

	PeerCertificates []*x509.Certificate `json:"-"`
}

// CheckServer probes serverURL's status.php. Redirects are followed by hand
// so the downgrade and loop guards apply: at most maxRedirects hops, never
// HTTPS to HTTP, and a redirect onto itself ends the chain.
func (c *Client) CheckServer(ctx context.Context, serverURL string) (*ServerStatus, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	statusURL := *base
	if !strings.HasSuffix(statusURL.Path, "/") {
		statusURL.Path += "/"
	}
	statusURL.Path += "status.php"

	// Redirect handling is done here, not by the http.Client.
	probe := &http.Client{
		Transport: c.httpClient.Transport,
		Timeout:   c.httpClient.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := statusURL.String()
	for hop := 0; ; hop++ {
		req, err := c.newRequest(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, err
		}
		resp, err := probe.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, fmt.Errorf("redirect without location from %s", current)
			}
			target, err := req.URL.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("parsing redirect target: %w", err)
			}
			if req.URL.Scheme == "https" && target.Scheme == "http" {
				return nil, fmt.Errorf("refusing redirect from %s to insecure %s", current, target)
			}
			if target.String() == current {
				return nil, fmt.Errorf("redirect loop at %s", current)
			}
			if hop+1 >= maxRedirects {
				return nil, fmt.Errorf("too many redirects probing %s", statusURL.String())
			}
			c.log.Debug("following status redirect", "from", current, "to", target.String())
			current = target.String()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp)
		}

		var status ServerStatus
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&status); err != nil {
			return nil, fmt.Errorf("decoding status.php: %w", err)
		}
		status.URL = current
		if resp.TLS != nil {
			status.PeerCertificates = resp.TLS.PeerCertificates
		}
		return &status, nil
	}
}
