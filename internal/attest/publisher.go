package attest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"registrar/internal/domain"
)

// Sink persists attestations somewhere durable. Write receives batches in
// sequence order and is never called concurrently for the same sink.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []domain.Attestation) error
	Close() error
}

// Observer receives publisher telemetry.
type Observer interface {
	SinkWritten(sink string, n int)
	SinkFailed(sink string)
	Backlog(n int)
}

const (
	defaultRetryMin = 100 * time.Millisecond
	defaultRetryMax = 5 * time.Second
)

// Publisher hands attestations to sinks on background goroutines. Publish
// never blocks on I/O: every sink has its own unbounded queue and worker.
// A failed batch stays at the head of its sink's queue and is retried with
// backoff, so each sink sees the log in order without gaps. Close drains
// whatever is left.
type Publisher struct {
	queues   []*sinkQueue
	logger   *slog.Logger
	observer Observer
	batch    int
	retryMin time.Duration
	retryMax time.Duration

	mu     sync.Mutex
	closed bool

	// giveUp is cancelled when Close runs out of time. It aborts
	// in-flight writes and pending retries.
	giveUp context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sinkQueue struct {
	sink   Sink
	notify chan struct{}

	mu    sync.Mutex
	items []domain.Attestation
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Publisher) { p.observer = o }
}

// WithBatchSize caps how many attestations one Write receives.
func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithRetry bounds the delay between attempts to redeliver a failed batch.
// The delay doubles from first up to limit.
func WithRetry(first, limit time.Duration) Option {
	return func(p *Publisher) {
		if first > 0 {
			p.retryMin = first
		}
		if limit > 0 {
			p.retryMax = limit
		}
	}
}

func NewPublisher(sinks []Sink, opts ...Option) *Publisher {
	p := &Publisher{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		batch:    256,
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retryMax < p.retryMin {
		p.retryMax = p.retryMin
	}
	p.giveUp, p.cancel = context.WithCancel(context.Background())
	for _, s := range sinks {
		q := &sinkQueue{sink: s, notify: make(chan struct{}, 1)}
		p.queues = append(p.queues, q)
		p.wg.Add(1)
		go p.run(q)
	}
	return p
}

// Publish enqueues a for every sink. It reports false once the publisher
// is closed.
func (p *Publisher) Publish(a domain.Attestation) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	// Enqueue under p.mu so concurrent publishers land in the same order
	// on every queue.
	for _, q := range p.queues {
		q.mu.Lock()
		q.items = append(q.items, a)
		q.mu.Unlock()
		q.signal()
	}
	p.mu.Unlock()
	p.reportBacklog()
	return true
}

func (q *sinkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// peek returns up to n attestations from the head without removing them.
func (q *sinkQueue) peek(n int) []domain.Attestation {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(len(q.items), n)
	return append([]domain.Attestation(nil), q.items[:n]...)
}

func (q *sinkQueue) drop(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[n:]
}

func (q *sinkQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Publisher) run(q *sinkQueue) {
	defer p.wg.Done()
	for {
		batch := q.peek(p.batch)
		if len(batch) == 0 {
			if p.isClosed() {
				return
			}
			select {
			case <-q.notify:
			case <-p.giveUp.Done():
				return
			}
			continue
		}
		if !p.deliver(q, batch) {
			return
		}
		q.drop(len(batch))
		p.reportBacklog()
	}
}

// deliver writes batch to the queue's sink, retrying until it succeeds. It
// returns false when Close gave up first; the batch and everything behind
// it stay undelivered.
func (p *Publisher) deliver(q *sinkQueue, batch []domain.Attestation) bool {
	name := q.sink.Name()
	for attempt := 1; ; attempt++ {
		err := q.sink.Write(p.giveUp, batch)
		if err == nil {
			if p.observer != nil {
				p.observer.SinkWritten(name, len(batch))
			}
			return true
		}
		if p.observer != nil {
			p.observer.SinkFailed(name)
		}
		wait := p.retryDelay(attempt)
		p.logger.Warn("attestation sink write failed",
			"sink", name,
			"first_seq", batch[0].Seq,
			"count", len(batch),
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.giveUp.Done():
			timer.Stop()
			p.logger.Error("attestation sink abandoned",
				"sink", name,
				"first_seq", batch[0].Seq,
				"undelivered", q.pending(),
			)
			return false
		}
	}
}

// retryDelay is the backoff before attempt+1.
func (p *Publisher) retryDelay(attempt int) time.Duration {
	d := p.retryMin
	for i := 1; i < attempt && d < p.retryMax; i++ {
		d *= 2
	}
	return min(d, p.retryMax)
}

// reportBacklog publishes the longest sink queue.
func (p *Publisher) reportBacklog() {
	if p.observer == nil {
		return
	}
	n := 0
	for _, q := range p.queues {
		n = max(n, q.pending())
	}
	p.observer.Backlog(n)
}

// Close stops accepting attestations, drains every sink queue and closes
// the sinks. If draining outlasts ctx, pending retries are abandoned and
// ctx.Err() is returned along with any sink close errors.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		for _, q := range p.queues {
			q.signal()
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		errs = append(errs, ctx.Err())
	}
	if already {
		return nil
	}
	p.cancel()
	for _, q := range p.queues {
		if err := q.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink collects attestations in memory. It backs tests and the
// offline CLI.
type MemorySink struct {
	mu    sync.Mutex
	items []domain.Attestation
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Write(_ context.Context, batch []domain.Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, batch...)
	return nil
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) Items() []domain.Attestation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Attestation(nil), m.items...)
}
