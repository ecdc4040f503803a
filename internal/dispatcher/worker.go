package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/metrics"
)

// Queue is the consumer side of the ingest queue.
type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (msgID, id string, err error)
	Ack(ctx context.Context, msgID string) error
	AddDLQ(ctx context.Context, id, reason string) error
}

// DepthReporter is optionally implemented by queues that can report their backlog.
type DepthReporter interface {
	Depths(ctx context.Context) (pending, dead int64, err error)
}

// Runner extracts one stored contract.
type Runner interface {
	Run(ctx context.Context, id string) (*contract.Record, error)
}

type Config struct {
	Concurrency int
	// Consumer prefixes the consumer names registered in the group.
	Consumer    string
	PollTimeout time.Duration
	// RunTimeout bounds one document end to end.
	RunTimeout time.Duration
}

// Worker pulls contract ids off the queue and runs the pipeline on them.
type Worker struct {
	cfg  Config
	q    Queue
	run  Runner
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, q Queue, run Runner) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "renewalcal"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Worker{cfg: cfg, q: q, run: run, stop: make(chan struct{})}
}

func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	if dr, ok := w.q.(DepthReporter); ok {
		w.wg.Add(1)
		go w.reportDepth(dr)
	}
}

// Stop signals the loops and waits for in-flight documents, up to ctx.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(n int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, n)
	log.Info().Int("worker", n).Str("consumer", consumer).Msg("ingest worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Int("worker", n).Msg("ingest worker stopped")
			return
		default:
		}

		msgID, id, err := w.q.Dequeue(context.Background(), consumer, w.cfg.PollTimeout)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			select {
			case <-w.stop:
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msgID == "" {
			continue
		}
		w.handle(n, msgID, id)
	}
}

func (w *Worker) handle(n int, msgID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
	defer cancel()

	if id == "" {
		log.Warn().Str("msg_id", msgID).Msg("queue message without contract id; dropping")
		_ = w.q.Ack(ctx, msgID)
		return
	}
	start := time.Now()
	rec, err := w.run.Run(ctx, id)
	if err != nil {
		log.Error().Err(err).Int("worker", n).Str("contract_id", id).Msg("contract run failed")
		if dlqErr := w.q.AddDLQ(ctx, id, err.Error()); dlqErr != nil {
			log.Error().Err(dlqErr).Str("contract_id", id).Msg("dlq push failed")
		}
	} else {
		log.Info().
			Int("worker", n).
			Str("contract_id", id).
			Str("status", string(rec.Status)).
			Dur("elapsed", time.Since(start)).
			Msg("queued contract processed")
	}
	if err := w.q.Ack(ctx, msgID); err != nil {
		log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
	}
}

func (w *Worker) reportDepth(dr DepthReporter) {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			pending, dead, err := dr.Depths(ctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("queue depth unavailable")
				continue
			}
			metrics.SetQueueDepth("pending", pending)
			metrics.SetQueueDepth("dead", dead)
		}
	}
}
