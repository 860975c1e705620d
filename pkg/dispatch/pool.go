package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
)

const (
	defaultWorkers          = 8
	defaultBacklogPerWorker = 64
	defaultDrainTimeout     = 15 * time.Second
	drainPoll               = 50 * time.Millisecond
)

// ErrDrainTimeout is returned by Shutdown when in-flight dispatches had to be cancelled.
var ErrDrainTimeout = errors.New("dispatch drain timed out")

// Dispatcher processes one event to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev bus.InboundEvent)
}

type PoolConfig struct {
	// Workers bounds how many chats dispatch at the same time.
	Workers int
	// Backlog bounds deliveries taken from the queue but not yet finished.
	Backlog      int
	DrainTimeout time.Duration
}

// Pool consumes a queue and hands each delivery to a lane for its chat. A lane
// dispatches its chat's events one at a time in arrival order and holds a
// worker slot only while dispatching, so a busy chat never occupies more than
// one slot and other chats keep flowing.
type Pool struct {
	queue      bus.Queue
	dispatcher Dispatcher
	cfg        PoolConfig
	log        *slog.Logger
	metrics    *metrics.Metrics

	slots   chan struct{}
	backlog chan struct{}

	laneMu sync.Mutex
	lanes  map[string]*lane

	mu         sync.Mutex
	started    bool
	stopIntake context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

type lane struct {
	pending []bus.Delivery
}

func NewPool(queue bus.Queue, dispatcher Dispatcher, cfg PoolConfig, log *slog.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = cfg.Workers * defaultBacklogPerWorker
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Pool{
		queue:      queue,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With("component", "dispatch.pool"),
		metrics:    m,
		slots:      make(chan struct{}, cfg.Workers),
		backlog:    make(chan struct{}, cfg.Backlog),
		lanes:      make(map[string]*lane),
	}
}

// Start launches intake. Cancelling ctx stops intake like Shutdown does,
// but in-flight dispatches keep running until Shutdown forces them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	intakeCtx, stopIntake := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	p.stopIntake = stopIntake
	p.cancelWork = cancelWork

	p.wg.Add(1)
	go p.intake(intakeCtx, workCtx)

	p.log.Info("Dispatch workers started", "workers", p.cfg.Workers, "backlog", p.cfg.Backlog)
}

// Shutdown stops intake, lets buffered and in-flight events finish within
// DrainTimeout (or ctx), then cancels whatever is still running.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	stopIntake, cancelWork := p.stopIntake, p.cancelWork
	p.mu.Unlock()

	stopIntake()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		cancelWork()
		p.log.Info("Dispatch workers drained")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.log.Warn("Drain timeout reached, cancelling in-flight dispatches", "timeout", p.cfg.DrainTimeout)
	cancelWork()
	<-done

	return ErrDrainTimeout
}

func (p *Pool) intake(intakeCtx context.Context, workCtx context.Context) {
	defer p.wg.Done()

	for {
		if !p.reserve(intakeCtx) {
			break
		}
		delivery, ok := p.queue.ConsumeInbound(intakeCtx)
		if !ok {
			<-p.backlog
			break
		}
		p.enqueue(workCtx, delivery)
	}

	p.drain(workCtx)
}

// drain empties an in-process buffer that would otherwise be lost on close.
// Durable queues keep unconsumed messages, so they are left alone.
func (p *Pool) drain(workCtx context.Context) {
	pending, ok := p.queue.(bus.Pending)
	if !ok {
		return
	}

	for pending.Pending() > 0 && workCtx.Err() == nil {
		if !p.reserve(workCtx) {
			return
		}
		pollCtx, cancel := context.WithTimeout(workCtx, drainPoll)
		delivery, ok := p.queue.ConsumeInbound(pollCtx)
		closed := !ok && pollCtx.Err() == nil
		cancel()
		if !ok {
			<-p.backlog
			if closed {
				return
			}
			continue
		}
		p.log.Debug("Draining buffered event", "event_id", delivery.Event.ID)
		p.enqueue(workCtx, delivery)
	}
}

func (p *Pool) reserve(ctx context.Context) bool {
	select {
	case p.backlog <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// enqueue appends delivery to its chat's lane, starting the lane if idle.
func (p *Pool) enqueue(workCtx context.Context, delivery bus.Delivery) {
	key := delivery.Event.ChatID

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	if l, ok := p.lanes[key]; ok {
		l.pending = append(l.pending, delivery)
		return
	}

	l := &lane{pending: []bus.Delivery{delivery}}
	p.lanes[key] = l
	p.wg.Add(1)
	go p.runLane(workCtx, key, l)
}

func (p *Pool) runLane(workCtx context.Context, key string, l *lane) {
	defer p.wg.Done()

	for {
		p.laneMu.Lock()
		if len(l.pending) == 0 {
			delete(p.lanes, key)
			p.laneMu.Unlock()
			return
		}
		delivery := l.pending[0]
		l.pending[0] = bus.Delivery{}
		l.pending = l.pending[1:]
		p.laneMu.Unlock()

		select {
		case p.slots <- struct{}{}:
			p.handle(workCtx, delivery)
			<-p.slots
		case <-workCtx.Done():
			p.nack(delivery)
		}
		<-p.backlog
	}
}

func (p *Pool) handle(ctx context.Context, delivery bus.Delivery) {
	if pending, ok := p.queue.(bus.Pending); ok {
		p.metrics.QueueDepth(pending.Pending())
	}

	p.dispatcher.Dispatch(ctx, delivery.Event)

	// Cancelled dispatches go back to the queue for redelivery after restart.
	if ctx.Err() != nil {
		p.nack(delivery)
		return
	}
	if err := delivery.Ack(); err != nil {
		p.log.Warn("Failed to ack delivery", "event_id", delivery.Event.ID, "error", err)
	}
}

func (p *Pool) nack(delivery bus.Delivery) {
	if err := delivery.Nack(); err != nil {
		p.log.Warn("Failed to nack delivery", "event_id", delivery.Event.ID, "error", err)
	}
}
