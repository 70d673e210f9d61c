package local

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

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"habitping/internal/host"
	logx "habitping/pkg/logx"
)

// HTTPIssuer asks a registration endpoint for a delivery token.
//
// Request:  POST {registration_id, scope, endpoint, vapid_key, sender_id}
// Response: 2xx {"token": "..."}; anything else is an error.
type HTTPIssuer struct {
	url      string
	senderID string
	client   *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

type issueRequest struct {
	RegistrationID string `json:"registration_id"`
	Scope          string `json:"scope"`
	Endpoint       string `json:"endpoint"`
	VAPIDKey       string `json:"vapid_key"`
	SenderID       string `json:"sender_id,omitempty"`
}

type issueResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

func NewHTTPIssuer(url, senderID string, timeout time.Duration, log logx.Logger) *HTTPIssuer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIssuer{
		url:      strings.TrimSpace(url),
		senderID: senderID,
		client:   &http.Client{Timeout: timeout},
		// Token requests are rare; a burst of 2 covers a retry after denial.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		log:     log.With(logx.String("comp", "host.issuer")),
	}
}

func (i *HTTPIssuer) Issue(ctx context.Context, reg host.Registration, vapidKey string) (string, error) {
	if strings.TrimSpace(vapidKey) == "" {
		return "", errors.New("vapid key is not configured")
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(issueRequest{
		RegistrationID: reg.ID,
		Scope:          reg.Scope,
		Endpoint:       reg.Endpoint,
		VAPIDKey:       vapidKey,
		SenderID:       i.senderID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}

	var out issueResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error != "" {
			return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}
	tok := strings.TrimSpace(out.Token)
	if tok == "" {
		return "", errors.New("token response: empty token")
	}
	i.log.Debug("token issued", logx.String("registration", reg.ID), logx.Redact("token", tok))
	return tok, nil
}

// tokenNamespace scopes locally derived tokens.
var tokenNamespace = uuid.MustParse("6f1c2a52-4f0e-4d55-9d0b-2f7a9b0f6c11")

// LocalIssuer derives a token from the registration and VAPID key without
// a network round-trip. Used when no registration endpoint is configured
// and pushes arrive through the inbound surface.
type LocalIssuer struct{}

func (LocalIssuer) Issue(_ context.Context, reg host.Registration, vapidKey string) (string, error) {
	if strings.TrimSpace(vapidKey) == "" {
		return "", errors.New("vapid key is not configured")
	}
	if reg.ID == "" {
		return "", errors.New("registration has no id")
	}
	return "hp_" + uuid.NewSHA1(tokenNamespace, []byte(reg.ID+"|"+vapidKey)).String(), nil
}
