package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"habitping/internal/apperr"
	"habitping/internal/eventbus"
	"habitping/internal/pushclient"
	rtsup "habitping/internal/runtime/supervisor"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// TokenSource reads the stored address at send time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator clears a stored address the provider refused.
type Invalidator interface {
	Invalidate(ctx context.Context, reason string) error
}

type job struct {
	r   Reminder
	key string
}

// Service implements the reminder pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender pushclient.Sender
	tokens TokenSource
	inval  Invalidator
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender pushclient.Sender, tokens TokenSource, inval Invalidator, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		tokens: tokens,
		inval:  inval,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the pipeline's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 64
	}
	if cfg.RootURL == "" {
		cfg.RootURL = "/"
	}

	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	// Reminder failures are logged and reported on the bus; they never take
	// the rest of the app down.
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues one reminder. A reminder whose fire instant was already
// queued inside the dedup window is accepted and dropped silently.
func (s *Service) Notify(ctx context.Context, r Reminder) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if r.FiredAt.IsZero() {
		r.FiredAt = s.now()
	}
	key := DedupKey(r.FiredAt)
	var until time.Time
	if window > 0 {
		var ok bool
		if until, ok = s.dedupReserve(ctx, key, window, maxEntries); !ok {
			s.publish(EventDeduped, ReminderEvent{Key: key, FiredAt: r.FiredAt})
			s.log.Debug("reminder deduped", logx.String("key", key))
			return nil
		}
	}

	select {
	case q <- job{r: r, key: key}:
		if window > 0 {
			s.dedupPersist(ctx, key, until)
		}
		s.publish(EventQueued, ReminderEvent{Key: key, FiredAt: r.FiredAt})
		return nil
	default:
		// Nothing was queued, so a later replay of this fire must not be
		// suppressed.
		if window > 0 {
			s.dedupRelease(key, until)
		}
		s.publish(EventDropped, ReminderEvent{Key: key, FiredAt: r.FiredAt, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Snapshot returns recent outcomes, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// Envelope builds the reminder envelope for a fire instant.
func Envelope(firedAt time.Time, rootURL string) pushclient.Envelope {
	return pushclient.Envelope{
		Title: ReminderTitle,
		Body:  ReminderBody,
		Data: map[string]string{
			"url":     rootURL,
			"firedAt": firedAt.UTC().Format(time.RFC3339),
		},
	}
}

// DedupKey identifies one daily fire. Sub-minute jitter in the alarm
// collapses into the same key.
func DedupKey(firedAt time.Time) string {
	return "reminder:" + firedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	log := s.log.With(logx.String("key", j.key))
	ev := ReminderEvent{Key: j.key, FiredAt: j.r.FiredAt}

	if s.sender == nil || s.tokens == nil {
		return
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		ev.Error = err.Error()
		s.publish(EventFailed, ev)
		log.Warn("reminder token unreadable", logx.Err(err))
		return
	}
	if tok == "" {
		ev.Error = apperr.UserMessage(apperr.ErrNoAddress)
		s.publish(EventDropped, ev)
		s.appendHistory(HistoryItem{At: s.now(), FiredAt: j.r.FiredAt, Outcome: "no_address"})
		log.Info("reminder dropped; no stored token")
		return
	}

	env := Envelope(j.r.FiredAt, cfg.RootURL)
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		d, err := s.sender.Send(callCtx, tok, env)
		cancel()
		if err == nil {
			ev.MessageID = d.MessageID
			ev.Attempt = attempt
			s.publish(EventSent, ev)
			s.appendHistory(HistoryItem{At: s.now(), FiredAt: j.r.FiredAt, Outcome: "sent", MessageID: d.MessageID})
			log.Info("reminder sent", logx.String("message_id", d.MessageID), logx.Int("attempt", attempt))
			return
		}
		lastErr = err

		if errors.Is(err, apperr.ErrProviderRejected) {
			s.reject(ctx, ev, err)
			return
		}
		if !pushclient.IsRetryable(err) {
			break
		}
		log.Debug("reminder send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ev.Error = lastErr.Error()
	s.publish(EventFailed, ev)
	s.appendHistory(HistoryItem{At: s.now(), FiredAt: j.r.FiredAt, Outcome: "failed"})
	log.Warn("reminder failed", logx.Err(lastErr))
}

func (s *Service) reject(ctx context.Context, ev ReminderEvent, err error) {
	ev.Error = err.Error()
	if s.inval != nil {
		if ierr := s.inval.Invalidate(ctx, "reminder rejected by provider"); ierr != nil {
			s.log.Warn("stored token could not be invalidated", logx.Err(ierr))
		}
	}
	s.publish(EventRejected, ev)
	s.appendHistory(HistoryItem{At: s.now(), FiredAt: ev.FiredAt, Outcome: "rejected"})
	s.log.Warn("reminder rejected; token cleared", logx.String("key", ev.Key), logx.Err(err))
}

func (s *Service) publish(typ string, ev ReminderEvent) {
	if s.bus == nil {
		return
	}
	now := s.now()
	if ev.At.IsZero() {
		ev.At = now
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// dedupReserve claims key in memory for window unless it is already
// claimed here or in storage. The claim is written to storage only by
// dedupPersist, once the reminder is actually queued.
func (s *Service) dedupReserve(ctx context.Context, key string, window time.Duration, maxEntries int) (time.Time, bool) {
	now := s.now()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return time.Time{}, false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return time.Time{}, false
	}
	until := now.Add(window)
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	return until, true
}

func (s *Service) dedupPersist(ctx context.Context, key string, until time.Time) {
	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, until); err != nil {
		s.log.Warn("dedup window not persisted", logx.String("key", key), logx.Err(err))
	}
}

// dedupRelease drops a claim made by dedupReserve, unless another claim
// replaced it meanwhile.
func (s *Service) dedupRelease(key string, until time.Time) {
	s.dmu.Lock()
	if u, ok := s.dedup[key]; ok && u.Equal(until) {
		delete(s.dedup, key)
	}
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
