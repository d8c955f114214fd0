package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/metrics"
)

// Sink delivers one event over the network. It may block.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Queue adapts a blocking Sink into a non-blocking Publisher. Events that do
// not fit in the buffer are dropped and counted.
type Queue struct {
	name    string
	sink    Sink
	ch      chan Event
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewQueue buffers up to size events for sink.
func NewQueue(name string, sink Sink, size int, log *zap.SugaredLogger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{name: name, sink: sink, ch: make(chan Event, size), log: log, metrics: m}
}

func (q *Queue) Publish(ev Event) {
	select {
	case q.ch <- ev:
	default:
		q.metrics.EventDropped(q.name)
		q.log.Warnw("event_dropped", "sink", q.name, "type", ev.Type)
	}
}

// Run drains the buffer until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.ch:
			if err := q.sink.Send(ctx, ev); err != nil {
				q.log.Warnw("event_sink_failed", "sink", q.name, "type", ev.Type, "err", err)
			}
		}
	}
}

// Len reports buffered events.
func (q *Queue) Len() int { return len(q.ch) }
