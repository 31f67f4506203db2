package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// Manager is the registry of queues and workers sharing one broker.
// Creation is get-or-create under a mutex, so concurrent callers never build
// two queues or two workers for the same name.
type Manager struct {
	broker Broker
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]*Queue
	workers map[string]*Worker
	flows   *FlowProducer
	closed  bool

	registering map[string]*sync.Mutex

	allowed         map[string]struct{}
	queueOpts       []QueueOption
	workerOpts      []WorkerOption
	events          broadcast.Broadcaster[Event]
	ownsEvents      bool
	schedulers      bool
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption is a functional option for configuring a Manager
type ManagerOption func(*Manager)

// WithAllowedQueues restricts queue names to the given set
func WithAllowedQueues(names ...string) ManagerOption {
	return func(m *Manager) {
		if len(names) == 0 {
			return
		}
		m.allowed = make(map[string]struct{}, len(names))
		for _, name := range names {
			m.allowed[name] = struct{}{}
		}
	}
}

// WithQueueOptions applies opts to every queue the manager creates
func WithQueueOptions(opts ...QueueOption) ManagerOption {
	return func(m *Manager) {
		m.queueOpts = append(m.queueOpts, opts...)
	}
}

// WithWorkerDefaults applies opts to every worker before its own options
func WithWorkerDefaults(opts ...WorkerOption) ManagerOption {
	return func(m *Manager) {
		m.workerOpts = append(m.workerOpts, opts...)
	}
}

// WithEvents shares an external broadcaster; the manager will not close it
func WithEvents(events broadcast.Broadcaster[Event]) ManagerOption {
	return func(m *Manager) {
		if events != nil {
			m.events = events
		}
	}
}

// WithSchedulers controls whether every queue runs its repeat scheduler in this process
func WithSchedulers(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.schedulers = enabled
	}
}

// WithManagerShutdownTimeout bounds how long closing waits for active jobs
func WithManagerShutdownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.shutdownTimeout = d
		}
	}
}

// WithManagerLogger sets the logger for the manager and everything it creates
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a registry bound to broker
func NewManager(broker Broker, opts ...ManagerOption) (*Manager, error) {
	if broker == nil {
		return nil, ErrBrokerNil
	}

	m := &Manager{
		broker:          broker,
		logger:          slog.Default(),
		queues:          make(map[string]*Queue),
		workers:         make(map[string]*Worker),
		registering:     make(map[string]*sync.Mutex),
		schedulers:      true,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = broadcast.NewMemoryBroadcaster[Event](256)
		m.ownsEvents = true
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	flows, err := NewFlowProducer(broker,
		WithFlowEvents(m.events),
		WithFlowLogger(m.logger.With(logger.Component("flow"))))
	if err != nil {
		return nil, err
	}
	m.flows = flows

	return m, nil
}

// Queue returns the named queue, creating it on first use
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queueLocked(name)
}

func (m *Manager) queueLocked(name string) (*Queue, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	if err := m.checkName(name); err != nil {
		return nil, err
	}

	opts := append([]QueueOption{
		WithQueueEvents(m.events),
		WithQueueLogger(m.logger),
	}, m.queueOpts...)

	q, err := NewQueue(m.broker, name, opts...)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q

	if m.schedulers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = q.RunScheduler(m.ctx)
		}()
	}

	return q, nil
}

// checkName validates name against the allowed set, if any
func (m *Manager) checkName(name string) error {
	if err := ValidateQueueName(name); err != nil {
		return err
	}
	if m.allowed == nil {
		return nil
	}
	if _, ok := m.allowed[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return nil
}

// RegisterWorker binds processor to the named queue and starts it unless autorun is disabled.
// A worker already registered for the queue is closed first, without blocking other manager calls.
func (m *Manager) RegisterWorker(name string, processor Processor, opts ...WorkerOption) (*Worker, error) {
	reg := m.registration(name)
	reg.Lock()
	defer reg.Unlock()

	m.mu.Lock()
	if _, err := m.queueLocked(name); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	old, replaced := m.workers[name]
	delete(m.workers, name)
	m.mu.Unlock()

	if replaced {
		if err := m.closeWorker(old); err != nil {
			m.logger.Warn("previous worker did not stop cleanly",
				logger.Queue(name),
				logger.Error(err))
		}
	}

	all := append([]WorkerOption{
		WithWorkerEvents(m.events),
		WithWorkerLogger(m.logger),
	}, m.workerOpts...)
	all = append(all, opts...)

	w, err := NewWorker(m.broker, name, processor, all...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if w.opts.autorun {
		if err := w.Start(m.ctx); err != nil {
			return nil, err
		}
	}
	m.workers[name] = w

	return w, nil
}

// registration returns the lock serializing RegisterWorker calls for one queue
func (m *Manager) registration(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registering[name]
	if !ok {
		reg = &sync.Mutex{}
		m.registering[name] = reg
	}
	return reg
}

// Worker returns the worker registered for the queue
func (m *Manager) Worker(name string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, name)
	}
	return w, nil
}

// StartWorker starts a worker registered with autorun disabled
func (m *Manager) StartWorker(name string) error {
	w, err := m.Worker(name)
	if err != nil {
		return err
	}
	if err := w.Start(m.ctx); err != nil && !errors.Is(err, ErrWorkerRunning) {
		return err
	}
	return nil
}

// PauseWorker stops the queue's worker from leasing new jobs
func (m *Manager) PauseWorker(name string) error {
	w, err := m.Worker(name)
	if err != nil {
		return err
	}
	w.Pause()
	return nil
}

// ResumeWorker lets the queue's worker lease jobs again
func (m *Manager) ResumeWorker(name string) error {
	w, err := m.Worker(name)
	if err != nil {
		return err
	}
	w.Resume()
	return nil
}

// CloseWorker gracefully stops and unregisters the queue's worker
func (m *Manager) CloseWorker(name string) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	delete(m.workers, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrWorkerNotFound, name)
	}
	return m.closeWorker(w)
}

// WorkerMetrics returns the state of the queue's worker
func (m *Manager) WorkerMetrics(name string) (WorkerMetrics, error) {
	w, err := m.Worker(name)
	if err != nil {
		return WorkerMetrics{}, err
	}
	return w.Metrics(), nil
}

// QueueNames returns the allowed queue names, or the created ones when no set was configured
func (m *Manager) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, max(len(m.allowed), len(m.queues)))
	if m.allowed != nil {
		for name := range m.allowed {
			names = append(names, name)
		}
	} else {
		for name := range m.queues {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// WorkerNames returns the queues that have a registered worker
func (m *Manager) WorkerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Flows returns the flow producer bound to the manager's broker
func (m *Manager) Flows() *FlowProducer {
	return m.flows
}

// Events returns the broadcaster receiving every queue and job event
func (m *Manager) Events() broadcast.Broadcaster[Event] {
	return m.events
}

// Broker returns the underlying broker
func (m *Manager) Broker() Broker {
	return m.broker
}

// Close stops all workers and schedulers. It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	clear(m.workers)
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
		wg    sync.WaitGroup
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("worker %q: %w", w.Queue(), err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()

	if m.ownsEvents {
		if err := m.events.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("queue manager closed", slog.Int("workers", len(workers)))
	return errors.Join(errs...)
}

// Run blocks until ctx is done and then closes the manager; suitable for errgroup
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		return m.Close(shutdownCtx)
	}
}

func (m *Manager) closeWorker(w *Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()
	return w.Close(ctx)
}
