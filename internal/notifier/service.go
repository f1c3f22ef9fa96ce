package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobclock/internal/eventbus"
	rtsup "jobclock/internal/runtime/supervisor"
	logx "jobclock/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type item struct {
	ownerID string
	n       Notification
	key     string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan item
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers), logx.String("sender", senderName(s.sender)))
}

// Stop refuses new notifications and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.enqueueWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending notifications dropped")
	}
	sup.Cancel()

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Notify queues n for ownerID. It never blocks and never fails the caller;
// problems are logged and published on the bus.
func (s *Service) Notify(ctx context.Context, ownerID string, n Notification) {
	if err := s.Enqueue(ctx, ownerID, n); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("notification not queued", logx.String("owner", ownerID), logx.String("title", n.Title), logx.Err(err))
	}
}

// Enqueue is Notify with the queueing outcome returned. A deduplicated
// notification returns nil.
func (s *Service) Enqueue(ctx context.Context, ownerID string, n Notification) error {
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
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	key := dedupKey(ownerID, n)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.publish(eventbus.NotifierDeduped, ownerID, n, key, nil)
		return nil
	}

	select {
	case q <- item{ownerID: ownerID, n: n, key: key}:
		return nil
	default:
		s.publish(eventbus.NotifierDropped, ownerID, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ, ownerID string, n Notification, key string, err error) {
	ev := Event{OwnerID: ownerID, JobID: n.JobID, Type: n.Type, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

// workerLoop returns nil once the queue is closed.
func (s *Service) workerLoop(ctx context.Context, q <-chan item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, it)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, it item) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()
	if s.sender == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(callCtx, it.ownerID, it.n)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), OwnerID: it.ownerID, N: it.n, Sender: s.sender.Name()})
			s.publish(eventbus.NotifierSent, it.ownerID, it.n, it.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notification send failed",
			logx.String("owner", it.ownerID),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Err(err),
		)
		if attempt == attempts {
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
	s.appendHistory(HistoryItem{At: time.Now(), OwnerID: it.ownerID, N: it.n, Sender: s.sender.Name(), Error: lastErr.Error()})
	s.publish(eventbus.NotifierFailed, it.ownerID, it.n, it.key, lastErr)
	s.log.Warn("notification dropped after retries", logx.String("owner", it.ownerID), logx.String("title", it.n.Title), logx.Err(lastErr))
}

func dedupKey(ownerID string, n Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ownerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.JobID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.TrimSpace(n.Title)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.TrimSpace(n.Message)))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key is outside its suppression window and, if
// so, opens a new one.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func senderName(s Sender) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}
