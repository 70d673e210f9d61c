package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"habitping/internal/host"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

const keyPermission = "hostPermission"

type Policy string

const (
	PolicyPrompt Policy = "prompt"
	PolicyGrant  Policy = "grant"
	PolicyDeny   Policy = "deny"
)

// Prompter answers permission requests by policy or by asking on a
// terminal. A granted or denied answer is remembered (in st when given);
// a dismissed prompt stays "default" and may be asked again.
type Prompter struct {
	policy  Policy
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	st      storage.Store
	log     logx.Logger

	mu      sync.Mutex
	decided host.PermissionState
	lines   chan string
}

type PrompterOption func(*Prompter)

func WithTerminal(in io.Reader, out io.Writer) PrompterOption {
	return func(p *Prompter) { p.in, p.out = in, out }
}

func WithPromptTimeout(d time.Duration) PrompterOption {
	return func(p *Prompter) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRemember persists the decision so it survives restarts.
func WithRemember(st storage.Store) PrompterOption {
	return func(p *Prompter) { p.st = st }
}

func NewPrompter(policy Policy, log logx.Logger, opts ...PrompterOption) *Prompter {
	switch Policy(strings.ToLower(strings.TrimSpace(string(policy)))) {
	case PolicyGrant:
		policy = PolicyGrant
	case PolicyDeny:
		policy = PolicyDeny
	default:
		policy = PolicyPrompt
	}
	p := &Prompter{
		policy:  policy,
		timeout: 2 * time.Minute,
		log:     log.With(logx.String("comp", "host.prompt")),
		decided: host.PermissionDefault,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Prompter) Permission(ctx context.Context) (host.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx)
}

func (p *Prompter) Request(ctx context.Context) (host.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, err := p.loadLocked(ctx)
	if err != nil {
		return host.PermissionDefault, err
	}
	if cur != host.PermissionDefault {
		return cur, nil
	}

	var ans host.PermissionState
	switch p.policy {
	case PolicyGrant:
		ans = host.PermissionGranted
	case PolicyDeny:
		ans = host.PermissionDenied
	default:
		ans = p.ask(ctx)
	}
	p.log.Info("permission prompt answered", logx.String("policy", string(p.policy)), logx.String("answer", string(ans)))
	if ans == host.PermissionDefault {
		return ans, nil
	}
	p.decided = ans
	if p.st != nil {
		b, _ := json.Marshal(string(ans))
		if err := p.st.Put(ctx, keyPermission, b); err != nil {
			p.log.Warn("permission decision not persisted", logx.Err(err))
		}
	}
	return ans, nil
}

// Reset forgets the remembered decision (like clearing site settings).
func (p *Prompter) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decided = host.PermissionDefault
	if p.st != nil {
		return p.st.Delete(ctx, keyPermission)
	}
	return nil
}

func (p *Prompter) loadLocked(ctx context.Context) (host.PermissionState, error) {
	if p.decided != host.PermissionDefault || p.st == nil {
		return p.decided, nil
	}
	raw, ok, err := p.st.Get(ctx, keyPermission)
	if err != nil {
		return host.PermissionDefault, fmt.Errorf("read permission: %w", err)
	}
	if !ok {
		return host.PermissionDefault, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch host.PermissionState(s) {
		case host.PermissionGranted, host.PermissionDenied:
			p.decided = host.PermissionState(s)
		}
	}
	return p.decided, nil
}

// ask prints the question and waits for one line. No answer before the
// timeout, EOF, or anything but yes/no is a dismissal.
func (p *Prompter) ask(ctx context.Context) host.PermissionState {
	if p.in == nil || p.out == nil {
		return host.PermissionDefault
	}
	if p.lines == nil {
		// One reader goroutine for the lifetime of the prompter; a line typed
		// after a timed-out prompt answers the next one.
		p.lines = make(chan string)
		go func(r io.Reader, out chan<- string) {
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				out <- sc.Text()
			}
			close(out)
		}(p.in, p.lines)
	}
	_, _ = fmt.Fprint(p.out, "Allow habitping to show notifications? [y/N] ")

	t := time.NewTimer(p.timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return host.PermissionDefault
	case <-t.C:
		_, _ = fmt.Fprintln(p.out)
		return host.PermissionDefault
	case line, ok := <-p.lines:
		if !ok {
			return host.PermissionDefault
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "allow":
			return host.PermissionGranted
		case "n", "no", "block", "deny":
			return host.PermissionDenied
		default:
			return host.PermissionDefault
		}
	}
}
