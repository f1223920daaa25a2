// Package apiclient signs and submits requests to the cdpd HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

// Headers carrying the request signature.
const (
	HeaderAddress   = "X-Manna-Address"
	HeaderTimestamp = "X-Manna-Timestamp"
	HeaderSignature = "X-Manna-Signature"
)

// SignRequest attaches the caller address, timestamp and a signature over
// keccak(method || path || timestamp || body) to req.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, now time.Time) error {
	if req == nil || key == nil {
		return fmt.Errorf("apiclient: request and key required")
	}
	ts := now.Unix()
	digest := crypto.RequestDigest(req.Method, req.URL.Path, ts, body)
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("apiclient: sign request: %w", err)
	}
	req.Header.Set(HeaderAddress, key.PubKey().Address().String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cdpd: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cdpd: %d: %s", e.Status, e.Message)
}

// Client submits signed requests to a cdpd endpoint.
type Client struct {
	endpoint string
	key      *crypto.PrivateKey
	http     *http.Client
	token    string
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(cl *Client) {
		cl.token = strings.TrimSpace(token)
	}
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

// New builds a client. key may be nil for read-only use.
func New(endpoint string, key *crypto.PrivateKey, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		key:      key,
		http:     &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Do sends a request and returns the raw response body. Bodies of POST
// requests are signed when the client holds a key.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != nil {
		if err := SignRequest(req, c.key, body, c.now()); err != nil {
			return nil, err
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("apiclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

// Call marshals in, sends it and decodes the response into out when out is
// non-nil.
func (c *Client) Call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		body = raw
	}
	data, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}
