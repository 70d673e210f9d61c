// Package diagnostic sends a fixed test notification through the Push
// Delivery Service to check the whole chain end to end.
package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"habitping/internal/apperr"
	"habitping/internal/eventbus"
	"habitping/internal/pushclient"
	logx "habitping/pkg/logx"
)

const (
	TestTitle = "Test Notification"
	TestBody  = "This is a test notification from your Habit Tracker app!"
)

// TokenSource reads the stored address.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator clears a stored address the provider refused.
type Invalidator interface {
	Invalidate(ctx context.Context, reason string) error
}

type Tester struct {
	tokens  TokenSource
	sender  pushclient.Sender
	inval   Invalidator
	bus     eventbus.Bus
	log     logx.Logger
	rootURL string
	now     func() time.Time
}

func New(tokens TokenSource, sender pushclient.Sender, inval Invalidator, bus eventbus.Bus, rootURL string, log logx.Logger) *Tester {
	if rootURL == "" {
		rootURL = "/"
	}
	return &Tester{
		tokens:  tokens,
		sender:  sender,
		inval:   inval,
		bus:     bus,
		rootURL: rootURL,
		log:     log.With(logx.String("comp", "diagnostic")),
		now:     time.Now,
	}
}

// Envelope builds the diagnostic envelope for the given instant.
func Envelope(at time.Time, rootURL string) pushclient.Envelope {
	return pushclient.Envelope{
		Title: TestTitle,
		Body:  TestBody,
		Data: map[string]string{
			"time": at.UTC().Format(time.RFC3339),
			"url":  rootURL,
		},
	}
}

// SendTest sends the diagnostic envelope to the stored address. Without a
// stored address it fails with NoAddress before any network call. A
// ProviderRejected result clears the stored address.
func (t *Tester) SendTest(ctx context.Context) (pushclient.Delivered, error) {
	const op = "diagnostic.send_test"
	tok, err := t.tokens.Token(ctx)
	if err != nil {
		return pushclient.Delivered{}, apperr.E(apperr.TransportError, op, err)
	}
	if tok == "" {
		return pushclient.Delivered{}, apperr.E(apperr.NoAddress, op, nil)
	}

	d, err := t.sender.Send(ctx, tok, Envelope(t.now(), t.rootURL))
	outcome := "delivered"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrProviderRejected):
		outcome = "rejected"
		if t.inval != nil {
			if ierr := t.inval.Invalidate(ctx, "test notification rejected"); ierr != nil {
				t.log.Warn("stored token could not be invalidated", logx.Err(ierr))
			}
		}
	default:
		outcome = "transport_error"
	}
	t.log.Info("test notification sent", logx.String("outcome", outcome), logx.Redact("token", tok), logx.Err(err))
	if t.bus != nil {
		b, _ := json.Marshal(map[string]string{"outcome": outcome, "message_id": d.MessageID})
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeTestSent, Data: b})
	}
	if err != nil {
		return pushclient.Delivered{}, err
	}
	return d, nil
}
