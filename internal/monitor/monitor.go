// Package monitor consumes scheduler events: every run outcome is logged in
// a structured form, and terminal failures are forwarded to an alert webhook
// without ever blocking the control loop.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"finsched/internal/eventbus"
	rtsup "finsched/internal/runtime/supervisor"
	"finsched/internal/scheduler"
	"finsched/internal/storage"
	logx "finsched/pkg/logx"
)

type Config struct {
	// WebhookURL receives escalation alerts as JSON POSTs. Empty disables
	// alerting; event logging still runs.
	WebhookURL string
	RatePerSec float64
	QueueSize  int
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Alert is the webhook payload. Text carries a human-readable summary (the
// shape most chat webhooks render); the rest is for machine consumers.
type Alert struct {
	Severity string    `json:"severity"`
	Text     string    `json:"text"`
	JobID    string    `json:"job_id"`
	FireTime time.Time `json:"fire_time"`
	Attempts int       `json:"attempts,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	limiter *rate.Limiter
	client  *http.Client
	queue   chan Alert

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	events <-chan eventbus.Event
	unsub  func()

	dropped uint64
	sent    uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan Alert, cfg.QueueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "monitor"))))
	sup := s.sup
	// Subscribe before returning: events published right after Start must not
	// race the consumer goroutine's startup.
	s.events, s.unsub = s.bus.Subscribe(256)
	s.mu.Unlock()

	sup.GoRestart("monitor.events", s.consume)
	if s.cfg.WebhookURL != "" {
		sup.GoRestart("monitor.webhook", s.deliver)
	}
	s.log.Info("monitoring started", logx.Bool("webhook", s.cfg.WebhookURL != ""))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.events = nil
	s.unsub = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	if unsub != nil {
		unsub()
	}
}

// Dropped reports how many alerts were discarded due to queue overflow.
func (s *Service) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Sent reports how many alerts were delivered to the webhook.
func (s *Service) Sent() uint64 { return atomic.LoadUint64(&s.sent) }

func (s *Service) consume(ctx context.Context) error {
	s.mu.Lock()
	ch := s.events
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev eventbus.Event) {
	switch ev.Type {
	case "run.recorded":
		rec, ok := ev.Data.(storage.RunRecord)
		if !ok {
			return
		}
		fields := []logx.Field{
			logx.String("job", rec.JobID),
			logx.Time("fire", rec.FireTime),
			logx.Int("attempt", rec.Attempt),
			logx.String("outcome", string(rec.Outcome)),
			logx.Duration("latency", rec.Latency()),
		}
		if rec.ErrorKind != "" {
			fields = append(fields, logx.String("error_kind", rec.ErrorKind))
		}
		if rec.Degraded {
			fields = append(fields, logx.Bool("degraded", true))
		}
		switch rec.Outcome {
		case storage.OutcomeSucceeded:
			s.log.Info("run recorded", fields...)
		default:
			s.log.Warn("run recorded", fields...)
		}

	case "run.retry":
		re, ok := ev.Data.(scheduler.RetryEvent)
		if !ok {
			return
		}
		s.log.Info("retry pending",
			logx.String("job", re.JobID),
			logx.Time("fire", re.FireTime),
			logx.Int("attempt", re.Attempt),
			logx.Duration("delay", re.Delay))

	case "run.exhausted":
		esc, ok := ev.Data.(scheduler.EscalationEvent)
		if !ok {
			return
		}
		s.enqueueAlert(Alert{
			Severity: "critical",
			Text: fmt.Sprintf("job %s failed terminally after %d attempt(s): %s",
				esc.JobID, esc.Attempts, esc.Error),
			JobID:    esc.JobID,
			FireTime: esc.FireTime,
			Attempts: esc.Attempts,
			Kind:     esc.Kind,
			Error:    esc.Error,
			Time:     ev.Time,
		})

	case "run.skipped":
		sk, ok := ev.Data.(scheduler.SkipEvent)
		if !ok {
			return
		}
		s.enqueueAlert(Alert{
			Severity: "warning",
			Text: fmt.Sprintf("job %s skipped: dependencies %v not satisfied after %s",
				sk.JobID, sk.Missing, sk.Waited.Round(time.Second)),
			JobID:    sk.JobID,
			FireTime: sk.FireTime,
			Kind:     "dependency_not_satisfied",
			Time:     ev.Time,
		})
	}
}

func (s *Service) enqueueAlert(a Alert) {
	if s.cfg.WebhookURL == "" {
		return
	}
	select {
	case s.queue <- a:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("alert dropped: queue full",
			logx.String("job", a.JobID),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)))
	}
}

func (s *Service) deliver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := s.post(ctx, a); err != nil {
				// Alerting is best-effort; a broken webhook must not matter
				// more than the jobs themselves.
				s.log.Warn("alert delivery failed", logx.String("job", a.JobID), logx.Err(err))
				continue
			}
			atomic.AddUint64(&s.sent, 1)
		}
	}
}

func (s *Service) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
