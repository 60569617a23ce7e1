package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/queue"
	"scribe-pipeline/internal/telemetry"
)

// Handler executes one Task Message for a stage. Job-level failures must be
// resolved inside the handler by republishing a retry or terminal-failure
// message; a returned error means the work could not be attempted at all, and
// the message is left pending for redelivery.
type Handler func(ctx context.Context, msg models.TaskMessage) error

// Dispatcher polls the shared topic, filters to messages addressed to its
// stage, and hands each one to a bounded worker pool. One dispatcher runs per
// stage process; all dispatchers see all messages.
type Dispatcher struct {
	topic    *queue.Topic
	stage    models.State
	handler  Handler
	consumer string
	poolSize int
	reclaim  time.Duration
	log      *logrus.Entry
}

// New builds a dispatcher for one stage. poolSize bounds concurrent in-flight
// messages; zero selects the 2*CPU+1 default from config upstream.
func New(topic *queue.Topic, stage models.State, handler Handler, poolSize int, log *logrus.Entry) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return &Dispatcher{
		topic:    topic,
		stage:    stage,
		handler:  handler,
		consumer: fmt.Sprintf("%s-%s", stage, hostname),
		poolSize: poolSize,
		reclaim:  time.Minute,
		log:      log.WithField("stage", stage.String()),
	}
}

// Group is the consumer-group name for this stage.
func (d *Dispatcher) Group() string {
	return "stage-" + d.stage.String()
}

// Run polls until the context is cancelled. Poll and decode errors are logged
// and skipped; nothing on this path may crash the loop, since a dead
// dispatcher stalls its whole stage.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.topic.WaitReady(ctx); err != nil {
		return fmt.Errorf("queue never became ready: %w", err)
	}
	if err := d.topic.EnsureGroup(ctx, d.Group()); err != nil {
		return err
	}

	// Semaphore bounding concurrent handler goroutines. Burst consumption
	// blocks here instead of spawning unbounded external calls.
	slots := make(chan struct{}, d.poolSize)
	var wg sync.WaitGroup

	d.log.WithField("pool_size", d.poolSize).Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		if depth, err := d.topic.Depth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		deliveries, err := d.topic.Reclaim(ctx, d.Group(), d.consumer, d.reclaim, int64(d.poolSize))
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("reclaim failed")
		}
		fetched, err := d.topic.Fetch(ctx, d.Group(), d.consumer, int64(d.poolSize))
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("poll failed")
			continue
		}
		deliveries = append(deliveries, fetched...)

		for _, delivery := range deliveries {
			msg, err := models.DecodeTaskMessage(delivery.Payload)
			if err != nil {
				// Poison payloads are acked away so they cannot be
				// redelivered forever.
				d.log.WithError(err).Warn("undecodable message acked")
				_ = d.topic.Ack(ctx, d.Group(), delivery.ID)
				continue
			}
			if msg.State != d.stage || msg.Completed {
				// Not ours. Ack for this group only; other stages consume
				// through their own groups.
				_ = d.topic.Ack(ctx, d.Group(), delivery.ID)
				continue
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			telemetry.InFlight.Inc()
			go func(delivery queue.Delivery, msg models.TaskMessage) {
				defer func() {
					<-slots
					wg.Done()
					telemetry.InFlight.Dec()
				}()
				if err := d.handler(ctx, msg); err != nil {
					// Leave the delivery pending; reclaim will retry it.
					d.log.WithError(err).WithField("es_id", msg.EsID).Warn("handler could not run, leaving message pending")
					return
				}
				if err := d.topic.Ack(ctx, d.Group(), delivery.ID); err != nil {
					d.log.WithError(err).WithField("es_id", msg.EsID).Warn("ack failed, redelivery possible")
				}
			}(delivery, msg)
		}
	}
}
