package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-booking-core/internal/config"
	"github.com/tbourn/go-booking-core/internal/domain"
	"github.com/tbourn/go-booking-core/internal/repo"
)

const (
	// maxErrorBodyRunes bounds how much of a non-2xx body lands in last_error.
	maxErrorBodyRunes = 256
	// ackTimeout bounds every acknowledgement; they run detached from the
	// cycle context so a stop signal cannot drop a finished attempt.
	ackTimeout = config.WebhookAckTimeout
)

const (
	outcomeSent        = "sent"
	outcomeFailed      = "failed"
	outcomeDeadLetter  = "dead_letter"
	outcomeInterrupted = "interrupted"
	outcomeLeaseLost   = "lease_lost"
	outcomeError       = "error"
)

// Config tunes a Dispatcher. Zero values fall back to the defaults noted.
type Config struct {
	Name              string        // "PaymentsWebhook"
	URL               string        // required
	PollInterval      time.Duration // 30s
	BatchSize         int           // 200
	Workers           int           // runtime.NumCPU()
	HTTPTimeout       time.Duration // 10s per request
	VisibilityTimeout time.Duration // 0 disables lease reclaim; else > HTTPTimeout + 5s
	ErrorPause        time.Duration // 5s
	RateRPS           float64       // 0 = unlimited
	RateBurst         int           // 1
}

// ConfigFrom maps the environment configuration onto a dispatcher Config.
func ConfigFrom(c config.WebhookConfig) Config {
	return Config{
		Name:              c.WorkerName,
		URL:               c.URL,
		PollInterval:      c.PollInterval,
		BatchSize:         c.BatchSize,
		Workers:           c.Workers,
		HTTPTimeout:       c.HTTPTimeout,
		VisibilityTimeout: c.VisibilityTimeout,
		ErrorPause:        c.ErrorPause,
		RateRPS:           c.RateRPS,
		RateBurst:         c.RateBurst,
	}
}

// PolicyFrom returns the retry policy used to acknowledge failures.
func PolicyFrom(c config.WebhookConfig) repo.RetryPolicy {
	return repo.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffCap:  c.BackoffCap,
	}
}

// CycleStats summarizes one dispatcher cycle.
type CycleStats struct {
	Reclaimed    int64
	Claimed      int
	Sent         int
	Failed       int
	DeadLettered int
	Interrupted  int
	LeaseLost    int
}

func (s *CycleStats) record(outcome string) {
	switch outcome {
	case outcomeSent:
		s.Sent++
	case outcomeFailed:
		s.Failed++
	case outcomeDeadLetter:
		s.DeadLettered++
	case outcomeInterrupted:
		s.Interrupted++
	case outcomeLeaseLost:
		s.LeaseLost++
	}
}

// Dispatcher polls the queue and POSTs each claimed job to the endpoint.
//
// One poll loop runs per Dispatcher; each non-empty batch is drained by at
// most Workers goroutines. Several Dispatchers (in one or many processes) may
// share a queue: the claim transaction hands each job to exactly one of them.
type Dispatcher struct {
	queue   Queue
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client. Per-request timeouts still
// come from Config.HTTPTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock replaces time.Now for claims and acknowledgements.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New validates cfg, applies defaults, and returns a Dispatcher reading from q.
func New(q Queue, cfg Config, opts ...Option) (*Dispatcher, error) {
	if q == nil {
		return nil, errors.New("webhook: queue is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: URL is required")
	}
	if cfg.Name == "" {
		cfg.Name = "PaymentsWebhook"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 5 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.VisibilityTimeout > 0 && cfg.VisibilityTimeout <= cfg.HTTPTimeout+ackTimeout {
		return nil, fmt.Errorf("webhook: visibility timeout %v must exceed HTTP timeout %v plus %v", cfg.VisibilityTimeout, cfg.HTTPTimeout, ackTimeout)
	}

	d := &Dispatcher{
		queue:  q,
		cfg:    cfg,
		client: &http.Client{},
		log:    log.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.RateRPS > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("worker", cfg.Name).Logger()
	return d, nil
}

// Run executes cycles until ctx is canceled, waiting PollInterval after each
// cycle and ErrorPause after a failed or panicking one. It returns nil on
// cancellation; a bad cycle never ends the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().
		Str("url", d.cfg.URL).
		Int("batch_size", d.cfg.BatchSize).
		Int("workers", d.cfg.Workers).
		Dur("poll_interval", d.cfg.PollInterval).
		Msg("webhook dispatcher started")
	defer d.log.Info().Msg("webhook dispatcher stopped")

	for {
		stats, err := d.safeCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := d.cfg.PollInterval
		if err != nil {
			cycleErrors.WithLabelValues(d.cfg.Name).Inc()
			d.log.Error().Err(err).Dur("pause", d.cfg.ErrorPause).Msg("webhook cycle failed")
			wait = d.cfg.ErrorPause
		} else if stats.Claimed > 0 || stats.Reclaimed > 0 {
			d.log.Info().
				Int64("reclaimed", stats.Reclaimed).
				Int("claimed", stats.Claimed).
				Int("sent", stats.Sent).
				Int("failed", stats.Failed).
				Int("dead_lettered", stats.DeadLettered).
				Int("lease_lost", stats.LeaseLost).
				Msg("webhook cycle done")
		}

		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// safeCycle runs one cycle and turns a panic into an error.
func (d *Dispatcher) safeCycle(ctx context.Context) (stats CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook cycle panic: %v", r)
		}
	}()
	return d.RunCycle(ctx)
}

// RunCycle performs one pass: reclaim expired leases (when enabled), claim a
// batch, and deliver it with a bounded worker pool. A worker renews each
// job's lease right before sending it and skips jobs whose lease was already
// reclaimed. RunCycle returns once every claimed job has been delivered and
// acknowledged, skipped, or abandoned because ctx was canceled. The first
// storage error is returned.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleStats, error) {
	ctx, span := otel.Tracer("webhook/Dispatcher").Start(ctx, "RunCycle",
		trace.WithAttributes(attribute.String("webhook.worker", d.cfg.Name)),
	)
	defer span.End()

	var stats CycleStats
	now := d.now()

	if d.cfg.VisibilityTimeout > 0 {
		n, err := d.queue.Reclaim(ctx, d.cfg.VisibilityTimeout, now)
		if err != nil {
			return stats, fmt.Errorf("reclaim: %w", err)
		}
		stats.Reclaimed = n
		if n > 0 {
			reclaimed.WithLabelValues(d.cfg.Name).Add(float64(n))
			d.log.Warn().Int64("count", n).Msg("reclaimed expired webhook leases")
		}
	}

	jobs, err := d.queue.Claim(ctx, d.cfg.BatchSize, now)
	if err != nil {
		return stats, fmt.Errorf("claim: %w", err)
	}
	stats.Claimed = len(jobs)
	span.SetAttributes(attribute.Int("webhook.claimed", len(jobs)))
	if len(jobs) == 0 {
		d.publishQueueStats(ctx)
		return stats, nil
	}

	ch := make(chan domain.WebhookJob, len(jobs))
	for _, j := range jobs {
		ch <- j
	}
	close(ch)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i := 0; i < min(d.cfg.Workers, len(jobs)); i++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("webhook worker panic: %v", r)
				}
			}()
			var first error
			for job := range ch {
				outcome, perr := d.process(ctx, job)
				mu.Lock()
				stats.record(outcome)
				mu.Unlock()
				if perr != nil && first == nil {
					first = perr
				}
			}
			return first
		})
	}
	err = g.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "queue update failed")
	}

	d.publishQueueStats(ctx)
	return stats, err
}

// process delivers one job and records the outcome. The returned error is
// reserved for storage failures while renewing or acknowledging.
func (d *Dispatcher) process(ctx context.Context, job domain.WebhookJob) (string, error) {
	l := d.log.With().Str("job_id", job.ID).Int("attempt", job.Attempts+1).Logger()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.interrupted(l, err), nil
		}
	}

	// The lease started at claim time and the job may have queued behind
	// others since; restart it so reclaim cannot hand the job to another
	// instance while this request is in flight.
	if err := d.queue.Renew(ctx, job, d.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			deliveries.WithLabelValues(d.cfg.Name, outcomeLeaseLost).Inc()
			l.Warn().Msg("webhook lease lost before delivery; skipped")
			return outcomeLeaseLost, nil
		}
		if ctx.Err() != nil {
			return d.interrupted(l, err), nil
		}
		deliveries.WithLabelValues(d.cfg.Name, outcomeError).Inc()
		return outcomeError, fmt.Errorf("renew lease %s: %w", job.ID, err)
	}

	start := time.Now()
	cause := d.deliver(ctx, job)
	deliveryLatency.WithLabelValues(d.cfg.Name).Observe(time.Since(start).Seconds())

	// A finished attempt is recorded even if we are stopping.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if cause == nil {
		if err := d.queue.AckSuccess(ackCtx, job, d.now()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				l.Warn().Msg("webhook sent but lease lost")
				deliveries.WithLabelValues(d.cfg.Name, outcomeSent).Inc()
				return outcomeSent, nil
			}
			deliveries.WithLabelValues(d.cfg.Name, outcomeError).Inc()
			return outcomeError, fmt.Errorf("ack success %s: %w", job.ID, err)
		}
		deliveries.WithLabelValues(d.cfg.Name, outcomeSent).Inc()
		l.Debug().Msg("webhook sent")
		return outcomeSent, nil
	}

	if err := ctx.Err(); err != nil && errors.Is(cause, err) {
		// The stop cut the request short. The job stays Processing until
		// its lease expires and it is reclaimed.
		return d.interrupted(l, cause), nil
	}

	status, err := d.queue.AckFailure(ackCtx, job, cause.Error(), d.now())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Warn().Err(cause).Msg("webhook failed but lease lost")
			deliveries.WithLabelValues(d.cfg.Name, outcomeFailed).Inc()
			return outcomeFailed, nil
		}
		deliveries.WithLabelValues(d.cfg.Name, outcomeError).Inc()
		return outcomeError, fmt.Errorf("ack failure %s: %w", job.ID, err)
	}
	if status == domain.WebhookDeadLetter {
		deliveries.WithLabelValues(d.cfg.Name, outcomeDeadLetter).Inc()
		l.Error().Err(cause).Msg("webhook dead-lettered")
		return outcomeDeadLetter, nil
	}
	deliveries.WithLabelValues(d.cfg.Name, outcomeFailed).Inc()
	l.Warn().Err(cause).Msg("webhook delivery failed; will retry")
	return outcomeFailed, nil
}

func (d *Dispatcher) interrupted(l zerolog.Logger, cause error) string {
	deliveries.WithLabelValues(d.cfg.Name, outcomeInterrupted).Inc()
	l.Info().Err(cause).Msg("webhook delivery interrupted")
	return outcomeInterrupted
}

// deliver POSTs the job payload. A nil error means a 2xx response.
func (d *Dispatcher) deliver(ctx context.Context, job domain.WebhookJob) error {
	ctx, span := otel.Tracer("webhook/Dispatcher").Start(ctx, "Deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.job_id", job.ID),
			attribute.String("webhook.aggregate_id", job.AggregateID),
			attribute.Int("webhook.attempt", job.Attempts+1),
		),
	)
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, d.cfg.URL, strings.NewReader(job.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", job.ID)
	otel.GetTextMapPropagator().Inject(rctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBodyRunes))
	snippet := []rune(strings.TrimSpace(string(body)))
	if len(snippet) > maxErrorBodyRunes {
		snippet = snippet[:maxErrorBodyRunes]
	}
	err = fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(snippet))
	span.SetStatus(codes.Error, err.Error())
	return err
}

// publishQueueStats refreshes the queue depth gauges. Failures are logged
// only; gauges are advisory.
func (d *Dispatcher) publishQueueStats(ctx context.Context) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		d.log.Debug().Err(err).Msg("webhook queue stats unavailable")
		return
	}
	for status, n := range stats {
		queueJobs.WithLabelValues(status.String()).Set(float64(n))
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
