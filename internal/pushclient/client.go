// Package pushclient talks to the Push Delivery Service:
//
//	POST /send-notification {token, title?, body?, data?}
//	-> {success: true, result} | {success: false, error}
//
// Outcomes are classified so callers can react: a structured refusal is
// ProviderRejected (the address is dead), anything unreadable or
// unreachable is TransportError (try again later).
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"habitping/internal/apperr"
	logx "habitping/pkg/logx"
)

const DefaultPath = "/send-notification"

// Envelope is what gets delivered: title, body and string data.
type Envelope struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Delivered is a successful send.
type Delivered struct {
	// MessageID is the provider's message name when it returns one.
	MessageID string
	At        time.Time
}

type sendRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type sendResponse struct {
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Sender is implemented by Client; consumers depend on this.
type Sender interface {
	Send(ctx context.Context, token string, env Envelope) (Delivered, error)
}

type Client struct {
	url     string
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithRate caps outgoing sends per second (burst 1). perSec <= 0 disables it.
func WithRate(perSec int) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		} else {
			c.limiter = nil
		}
	}
}

// New creates a client. endpoint may be a base URL ("http://host:3000"), in
// which case DefaultPath is appended.
func New(endpoint string, timeout time.Duration, log logx.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		url:     normalizeEndpoint(endpoint),
		hc:      &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		log:     log.With(logx.String("comp", "pushclient")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func normalizeEndpoint(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 && !strings.Contains(s[i+3:], "/") {
		return s + DefaultPath
	}
	return s
}

func (c *Client) Endpoint() string { return c.url }

// Send delivers env to token.
func (c *Client) Send(ctx context.Context, token string, env Envelope) (Delivered, error) {
	const op = "pushclient.send"
	token = strings.TrimSpace(token)
	if token == "" {
		return Delivered{}, apperr.E(apperr.NoAddress, op, nil)
	}
	if c.url == "" {
		return Delivered{}, apperr.Errorf(apperr.TransportError, op, "send endpoint is not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Delivered{}, apperr.E(apperr.TransportError, op, err)
		}
	}

	body, err := json.Marshal(sendRequest{Token: token, Title: env.Title, Body: env.Body, Data: env.Data})
	if err != nil {
		return Delivered{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Delivered{}, apperr.E(apperr.TransportError, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn("delivery service unreachable", logx.Err(err), logx.Duration("took", time.Since(start)))
		return Delivered{}, apperr.E(apperr.TransportError, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Delivered{}, apperr.E(apperr.TransportError, op, err)
	}
	return c.classify(op, token, resp.StatusCode, raw)
}

func (c *Client) classify(op, token string, status int, raw []byte) (Delivered, error) {
	var out sendResponse
	parsed := json.Unmarshal(raw, &out) == nil && out.Success != nil
	ok2xx := status >= 200 && status <= 299

	switch {
	case parsed && *out.Success && ok2xx:
		d := Delivered{MessageID: messageID(out.Result), At: time.Now()}
		c.log.Debug("push delivered", logx.Redact("token", token), logx.String("message_id", d.MessageID))
		return d, nil
	case parsed && !*out.Success && status >= 500 && !addressRefused(out.Error):
		// The service reports every provider failure as 500; only a refused
		// address is final.
		c.log.Warn("provider failed to deliver push", logx.Redact("token", token), logx.Int("status", status), logx.String("error", out.Error))
		return Delivered{}, &apperr.Error{Kind: apperr.TransportError, Op: op, Detail: out.Error}
	case parsed && !*out.Success:
		c.log.Warn("delivery service rejected push", logx.Redact("token", token), logx.Int("status", status), logx.String("error", out.Error))
		return Delivered{}, &apperr.Error{Kind: apperr.ProviderRejected, Op: op, Detail: out.Error}
	default:
		c.log.Warn("delivery service returned unreadable response", logx.Int("status", status), logx.Int("bytes", len(raw)))
		return Delivered{}, apperr.E(apperr.TransportError, op, fmt.Errorf("unexpected response: status %d", status))
	}
}

// refusedAddress lists provider error fragments that mean the address itself
// is no longer deliverable.
var refusedAddress = []string{
	"registration-token-not-registered",
	"invalid-registration-token",
	"not a valid fcm registration token",
	"requested entity was not found",
	"unregistered",
	"invalid-argument",
	"mismatched-credential",
	"senderid mismatch",
}

func addressRefused(detail string) bool {
	d := strings.ToLower(detail)
	for _, frag := range refusedAddress {
		if strings.Contains(d, frag) {
			return true
		}
	}
	return false
}

// messageID extracts the provider message name from result, which is either
// a bare string or an object with a "name" field.
func messageID(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(result, &s) == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(result, &obj) == nil {
		return obj.Name
	}
	return ""
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, apperr.ErrTransportError)
}
