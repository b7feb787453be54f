package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/pkg/jobs"
)

// Sink is a delivery target for dispatched events (websocket hub, redis, ...).
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// SinkFunc allows using plain functions as sinks.
type SinkFunc func(ctx context.Context, evt Event) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// DispatcherConfig tunes the delivery worker pool.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	Logger     *zap.Logger
}

// Dispatcher drains a bus subscription through a worker queue so slow sinks
// never block the publishing request path.
type Dispatcher struct {
	sub    *Subscription
	queue  *jobs.Queue
	sinks  []Sink
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewDispatcher subscribes to the bus and prepares the delivery queue.
func NewDispatcher(bus *Bus, sinks []Sink, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sub:    bus.Subscribe(cfg.BufferSize),
		sinks:  sinks,
		logger: logger,
	}
	d.queue = jobs.NewQueue("notifications", d.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	return d
}

// Start begins forwarding events until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for evt := range d.sub.C() {
			job := jobs.Job{ID: uuid.NewString(), Type: string(evt.Type), Payload: evt}
			if err := d.queue.Enqueue(job); err != nil {
				d.logger.Warn("dropping notification", zap.String("request_id", evt.RequestID), zap.Error(err))
				continue
			}
		}
	}()
}

// Stop detaches from the bus and drains the workers.
func (d *Dispatcher) Stop() {
	d.sub.Close()
	d.wg.Wait()
	d.queue.Stop()
}

func (d *Dispatcher) handle(ctx context.Context, job jobs.Job) error {
	evt, ok := job.Payload.(Event)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
