package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
)

// FlowJob describes a job and the children it waits for
type FlowJob struct {
	Name     string
	Queue    string
	Data     any
	Opts     []JobOption
	Children []FlowJob
}

// JobNode is a persisted flow node
type JobNode struct {
	Job      *Job
	Children []*JobNode
}

// FlowProducer persists parent/child job graphs. A parent stays in
// waiting-children until every direct child completes; a child that fails
// for good fails its parent as well.
type FlowProducer struct {
	broker   Broker
	defaults JobOptions
	logger   *slog.Logger
	publisher
}

// FlowOption is a functional option for configuring a FlowProducer
type FlowOption func(*FlowProducer)

// WithFlowDefaultJobOptions sets the options applied to every flow node
func WithFlowDefaultJobOptions(opts JobOptions) FlowOption {
	return func(f *FlowProducer) {
		f.defaults = opts
	}
}

// WithFlowEvents publishes added events to the broadcaster
func WithFlowEvents(events broadcast.Broadcaster[Event]) FlowOption {
	return func(f *FlowProducer) {
		f.publisher.events = events
	}
}

// WithFlowLogger sets the logger for the flow producer
func WithFlowLogger(logger *slog.Logger) FlowOption {
	return func(f *FlowProducer) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFlowProducer creates a FlowProducer
func NewFlowProducer(broker Broker, opts ...FlowOption) (*FlowProducer, error) {
	if broker == nil {
		return nil, ErrBrokerNil
	}
	f := &FlowProducer{
		broker:   broker,
		defaults: DefaultJobOptions(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.publisher.logger = f.logger
	return f, nil
}

// Add persists a single flow
func (f *FlowProducer) Add(ctx context.Context, flow FlowJob) (*JobNode, error) {
	nodes, err := f.AddBulk(ctx, []FlowJob{flow})
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// AddBulk persists several flows in one atomic broker call.
// Jobs are written leaf-first so every child exists before its parent is gated.
func (f *FlowProducer) AddBulk(ctx context.Context, flows []FlowJob) ([]*JobNode, error) {
	if len(flows) == 0 {
		return nil, ErrNoItemsToEnqueue
	}

	var (
		jobs  []*Job
		index = make(map[*JobNode]int)
		roots = make([]*JobNode, 0, len(flows))
	)
	now := time.Now()
	for i, flow := range flows {
		root, err := f.build(flow, nil, now, &jobs, index)
		if err != nil {
			return nil, fmt.Errorf("flow #%d: %w", i, err)
		}
		roots = append(roots, root)
	}

	built := slices.Clone(jobs)
	if err := f.broker.AddJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to add flow of %d jobs: %w", len(jobs), err)
	}

	// AddJobs swaps duplicates of existing ids for the stored copies
	for node, i := range index {
		node.Job = jobs[i]
	}

	for i, job := range jobs {
		if job != built[i] {
			continue
		}
		f.publish(ctx, jobEvent(EventAdded, job))
		if job.State == StateFailed {
			e := jobEvent(EventFailed, job)
			e.Reason = job.FailedReason
			f.publish(ctx, e)
		}
	}
	f.logger.DebugContext(ctx, "flow added", slog.Int("jobs", len(jobs)), slog.Int("roots", len(roots)))

	return roots, nil
}

// build appends the node's subtree to jobs in leaf-first order
func (f *FlowProducer) build(flow FlowJob, parent *ParentRef, now time.Time, jobs *[]*Job, index map[*JobNode]int) (*JobNode, error) {
	if flow.Name == "" {
		return nil, ErrEmptyFlow
	}
	queueName := flow.Queue
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if err := ValidateQueueName(queueName); err != nil {
		return nil, err
	}

	options := buildJobOptions(f.defaults, flow.Opts)
	if err := validateJobOptions(options); err != nil {
		return nil, fmt.Errorf("job %q: %w", flow.Name, err)
	}
	if options.Repeat != nil {
		return nil, fmt.Errorf("job %q: %w: repeat is not supported in flows", flow.Name, ErrInvalidRepeat)
	}

	payload, err := marshalPayload(flow.Data)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", flow.Name, err)
	}

	// Ids are assigned up front so parents and children can reference each other in one write
	id := options.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:        id,
		Queue:     queueName,
		Name:      flow.Name,
		Data:      payload,
		Opts:      options,
		Parent:    parent,
		CreatedAt: now,
		RunAt:     now.Add(options.Delay),
	}
	node := &JobNode{Job: job}

	self := &ParentRef{Queue: queueName, ID: id}
	for _, child := range flow.Children {
		childNode, err := f.build(child, self, now, jobs, index)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
		job.Children = append(job.Children, childNode.Job.Key())
	}

	index[node] = len(*jobs)
	*jobs = append(*jobs, job)
	return node, nil
}
