package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

// ErrQueueFull is returned by Enqueue when the dispatch queue is at
// capacity. The webhook handler maps it to a 503.
var ErrQueueFull = errors.New("dispatch queue full")

// ResultHook is invoked after each signal completes, for audit recording.
// err is non-nil only for broker/store failures.
type ResultHook func(ctx context.Context, alert *domain.ValidatedAlert, outcome *Outcome, err error)

// Dispatcher feeds validated alerts to an Executor through a bounded
// in-process queue, decoupling the webhook response from broker latency.
type Dispatcher struct {
	executor *Executor
	logger   *slog.Logger
	onResult ResultHook

	queue chan *domain.ValidatedAlert
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher with the given queue capacity and
// worker count. The hook may be nil.
func NewDispatcher(executor *Executor, capacity, workers int, logger *slog.Logger, hook ResultHook) *Dispatcher {
	if capacity <= 0 {
		capacity = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		executor: executor,
		logger:   logger,
		onResult: hook,
		queue:    make(chan *domain.ValidatedAlert, capacity),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Enqueue hands a validated alert to the worker pool without blocking.
func (d *Dispatcher) Enqueue(alert *domain.ValidatedAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("dispatcher closed")
	}

	select {
	case d.queue <- alert:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth reports the number of queued, unprocessed alerts.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Close stops intake and drains queued alerts before returning.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for alert := range d.queue {
		// Each signal gets its own deadline; the originating HTTP request
		// has already been answered.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		outcome, err := d.executor.Execute(ctx, alert)
		cancel()

		if err != nil {
			d.logger.Error("signal execution failed",
				slog.String("symbol", alert.Payload.Symbol),
				slog.String("event", alert.Payload.Event),
				slog.String("error", err.Error()),
			)
		}
		if d.onResult != nil {
			d.onResult(context.Background(), alert, outcome, err)
		}
	}
}
