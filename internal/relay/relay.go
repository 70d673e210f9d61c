// Package relay carries the provider's public client configuration from the
// foreground context to the background context over the message channel.
//
// Delivery is fire-and-forget. The foreground re-sends on every start and on
// every registration activation, so a freshly recreated background context
// is configured again without any memory of the previous one.
package relay

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"

	"habitping/internal/config"
	"habitping/internal/eventbus"
	logx "habitping/pkg/logx"
)

// MessageType tags config messages; other types on the channel are ignored.
const MessageType = "FIREBASE_CONFIG"

// Payload is the provider client config. No field is a per-user secret.
type Payload struct {
	APIKey            string `json:"FIREBASE_API_KEY"`
	AuthDomain        string `json:"FIREBASE_AUTH_DOMAIN"`
	ProjectID         string `json:"FIREBASE_PROJECT_ID"`
	StorageBucket     string `json:"FIREBASE_STORAGE_BUCKET"`
	MessagingSenderID string `json:"FIREBASE_MESSAGING_SENDER_ID"`
	AppID             string `json:"FIREBASE_APP_ID"`
	MeasurementID     string `json:"FIREBASE_MEASUREMENT_ID,omitempty"`
}

func PayloadFrom(p config.ProviderConfig) Payload {
	return Payload{
		APIKey:            p.APIKey,
		AuthDomain:        p.AuthDomain,
		ProjectID:         p.ProjectID,
		StorageBucket:     p.StorageBucket,
		MessagingSenderID: p.MessagingSenderID,
		AppID:             p.AppID,
		MeasurementID:     p.MeasurementID,
	}
}

// IsZero reports an entirely empty payload.
func (p Payload) IsZero() bool { return p == Payload{} }

// Message is the wire format posted on the channel.
type Message struct {
	Type   string   `json:"type"`
	Config *Payload `json:"config,omitempty"`
}

// Relay is the sending side.
type Relay struct {
	bus eventbus.Bus
	log logx.Logger
}

func New(bus eventbus.Bus, log logx.Logger) *Relay {
	return &Relay{bus: bus, log: log.With(logx.String("comp", "relay"))}
}

// Propagate posts p on the channel and returns immediately. There is no
// acknowledgement; failures are logged.
func (r *Relay) Propagate(p Payload) {
	if r == nil || r.bus == nil {
		return
	}
	if p.IsZero() {
		r.log.Warn("provider config is empty; background will use fallback rendering")
		return
	}
	b, err := json.Marshal(Message{Type: MessageType, Config: &p})
	if err != nil {
		r.log.Warn("config relay encode failed", logx.Err(err))
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeChannelMessage, Data: b})
	r.log.Debug("config relayed", logx.String("project_id", p.ProjectID))
}

// Follow re-propagates src() whenever a registration is activated, until
// ctx ends. It covers silent recreation of the background context.
func (r *Relay) Follow(ctx context.Context, src func() Payload) {
	run, stop := r.Follower(src)
	defer stop()
	run(ctx)
}

// Follower subscribes right away and returns the loop Follow runs, so a
// caller can subscribe before the first activation it must not miss.
// stop releases the subscription and is safe to call more than once.
func (r *Relay) Follower(src func() Payload) (run func(ctx context.Context), stop func()) {
	if r == nil || r.bus == nil || src == nil {
		return func(context.Context) {}, func() {}
	}
	ch, unsub := r.bus.Subscribe(8)
	run = func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Type == eventbus.TypeRegistrationActivated {
					r.Propagate(src())
				}
			}
		}
	}
	return run, unsub
}

// Receiver is the background side. It lives exactly as long as one
// background incarnation.
type Receiver struct {
	log logx.Logger

	mu   sync.RWMutex
	cur  Payload
	have bool
	hash uint64
}

func NewReceiver(log logx.Logger) *Receiver {
	return &Receiver{log: log.With(logx.String("comp", "relay.receiver"))}
}

// Handle applies a channel message. It reports whether the stored config
// changed; other message types, malformed input and repeats are no-ops.
func (r *Receiver) Handle(raw []byte) bool {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		r.log.Debug("channel message ignored (malformed)", logx.Err(err))
		return false
	}
	if m.Type != MessageType {
		r.log.Debug("channel message ignored", logx.String("type", m.Type))
		return false
	}
	if m.Config == nil || m.Config.IsZero() {
		r.log.Warn("config message without config ignored")
		return false
	}

	canon, _ := json.Marshal(m.Config)
	h := fnv.New64a()
	_, _ = h.Write(canon)
	sum := h.Sum64()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.have && r.hash == sum {
		return false
	}
	r.cur, r.have, r.hash = *m.Config, true, sum
	r.log.Info("provider config applied", logx.String("project_id", m.Config.ProjectID))
	return true
}

// Current returns the applied config, if any.
func (r *Receiver) Current() (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur, r.have
}
