// Package host declares the platform facilities the two execution contexts
// depend on: capability detection, the permission prompt, the background
// registration, token issuance, notification display and window control.
//
// internal/host/local provides the implementations used by the daemon and
// the CLI; tests substitute fakes.
package host

import (
	"context"
	"errors"
	"time"
)

// ErrNoRegistration is returned by Ready when the context ends before a
// background registration becomes active.
var ErrNoRegistration = errors.New("host: no active background registration")

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	// PermissionDefault means the user has not decided (or dismissed the prompt).
	PermissionDefault PermissionState = "default"
)

// Capability reports whether notifications and background execution exist at all.
type Capability interface {
	Supported() bool
}

// Prompter is the permission facility. Permission reads the remembered
// decision without asking; Request shows the prompt.
type Prompter interface {
	Permission(ctx context.Context) (PermissionState, error)
	Request(ctx context.Context) (PermissionState, error)
}

// Registration is the installed background context. Its ID changes on
// every recreation.
type Registration struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Endpoint    string    `json:"endpoint"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Registrar tracks the background registration.
type Registrar interface {
	// Ready blocks until a registration is active or ctx ends.
	Ready(ctx context.Context) (Registration, error)
	Active() bool
	Current() (Registration, bool)
	// Activate installs a fresh registration (new ID) and announces it.
	Activate() Registration
	// Deactivate retires id if it is still the current registration.
	Deactivate(id string)
}

// TokenIssuer mints a delivery address bound to a registration and the
// application server (VAPID) key.
type TokenIssuer interface {
	Issue(ctx context.Context, reg Registration, vapidKey string) (string, error)
}

// DisplayOptions mirrors the platform notification options.
type DisplayOptions struct {
	Body    string            `json:"body"`
	Icon    string            `json:"icon,omitempty"`
	Badge   string            `json:"badge,omitempty"`
	Tag     string            `json:"tag,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Vibrate []int             `json:"vibrate,omitempty"`
}

// Shown is a rendered notification.
type Shown struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Options DisplayOptions `json:"options"`
	ShownAt time.Time      `json:"shown_at"`
}

type Displayer interface {
	// Show renders a notification and returns once the host has accepted it.
	Show(ctx context.Context, title string, opts DisplayOptions) (Shown, error)
	Close(ctx context.Context, id string) error
}

// Window is an open foreground client.
type Window struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

type Clients interface {
	// MatchAll lists windows in host order.
	MatchAll(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, url string) (Window, error)
}

// Host bundles the facilities.
type Host struct {
	Capability Capability
	Prompter   Prompter
	Registrar  Registrar
	Tokens     TokenIssuer
	Display    Displayer
	Clients    Clients
}
