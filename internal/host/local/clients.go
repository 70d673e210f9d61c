package local

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"habitping/internal/host"
	logx "habitping/pkg/logx"
)

// Windows is the registry of open foreground clients, in registration order.
type Windows struct {
	base   *url.URL
	opener func(string) error
	log    logx.Logger

	mu   sync.Mutex
	list []host.Window
}

// NewWindows creates a registry. base resolves relative URLs passed to
// Open (e.g. "/" against "http://127.0.0.1:8787"); opener, when non-nil,
// receives the resolved URL.
func NewWindows(base string, opener func(string) error, log logx.Logger) *Windows {
	w := &Windows{opener: opener, log: log.With(logx.String("comp", "host.windows"))}
	if u, err := url.Parse(strings.TrimSpace(base)); err == nil && u.Scheme != "" {
		w.base = u
	}
	return w
}

// Register records an already open window (the foreground context itself).
func (w *Windows) Register(rawURL string) host.Window {
	win := host.Window{ID: uuid.NewString(), URL: rawURL}
	w.mu.Lock()
	w.list = append(w.list, win)
	w.mu.Unlock()
	return win
}

func (w *Windows) Unregister(id string) {
	w.mu.Lock()
	w.list = slices.DeleteFunc(w.list, func(x host.Window) bool { return x.ID == id })
	w.mu.Unlock()
}

func (w *Windows) MatchAll(ctx context.Context) ([]host.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.list), nil
}

func (w *Windows) Focus(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := slices.IndexFunc(w.list, func(x host.Window) bool { return x.ID == id })
	if idx < 0 {
		return fmt.Errorf("window %s not found", id)
	}
	for i := range w.list {
		w.list[i].Focused = i == idx
	}
	w.log.Debug("window focused", logx.String("id", id))
	return nil
}

func (w *Windows) Open(ctx context.Context, rawURL string) (host.Window, error) {
	if err := ctx.Err(); err != nil {
		return host.Window{}, err
	}
	target := w.resolve(rawURL)
	if w.opener != nil {
		if err := w.opener(target); err != nil {
			return host.Window{}, fmt.Errorf("open %s: %w", target, err)
		}
	}
	win := host.Window{ID: uuid.NewString(), URL: target, Focused: true}
	w.mu.Lock()
	for i := range w.list {
		w.list[i].Focused = false
	}
	w.list = append(w.list, win)
	w.mu.Unlock()
	w.log.Info("window opened", logx.String("url", target))
	return win, nil
}

func (w *Windows) resolve(raw string) string {
	if w.base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return w.base.ResolveReference(ref).String()
}
