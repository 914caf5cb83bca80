// Package transport posts encoded frame batches to the collection
// endpoint over HTTP.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/makinje/busrelay-agent/internal/engine"
)

var (
	ErrEndpointNotSet   = errors.New("endpoint not set")
	ErrInsecureEndpoint = errors.New("endpoint must use https")
	ErrEncoderNotSet    = errors.New("encoder not set")
)

// Encoder is the subset of encoding.Encoder the client needs.
type Encoder interface {
	Path() string
	ContentType() string
	ContentEncoding() string
	Encode(frames [][]byte) ([]byte, error)
}

// Options configures a Client.
type Options struct {
	BaseURL             string
	Auth                APIKeyAuth
	SkipTLSVerification bool
	// HTTPClient overrides the default client. Its Timeout should be
	// left at zero; requests are bounded by the caller's context.
	HTTPClient *http.Client
}

// Client posts batches to a single endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	encoder  Encoder
	auth     APIKeyAuth
}

// NewClient builds a client posting to BaseURL joined with the encoder's
// path.
func NewClient(opts Options, enc Encoder) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, ErrEndpointNotSet
	}
	if enc == nil {
		return nil, ErrEncoderNotSet
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	if opts.Auth.RequireTransportSecurity() && base.Scheme != "https" {
		return nil, ErrInsecureEndpoint
	}

	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.SkipTLSVerification {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		client = &http.Client{Transport: transport}
	}

	return &Client{
		http:     client,
		endpoint: base.JoinPath(enc.Path()).String(),
		encoder:  enc,
		auth:     opts.Auth,
	}, nil
}

// Endpoint returns the full URL batches are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Post encodes frames and posts them, returning the response status.
// Frames the encoder rejects yield an error wrapping
// engine.ErrUnencodable and no request is made.
func (c *Client) Post(ctx context.Context, frames [][]byte) (int, error) {
	body, err := c.encoder.Encode(frames)
	if err != nil {
		return 0, fmt.Errorf("failed to encode batch: %w: %w", engine.ErrUnencodable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", c.encoder.ContentType())
	if ce := c.encoder.ContentEncoding(); ce != "" {
		req.Header.Set("Content-Encoding", ce)
	}
	c.auth.Apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
