package pipeline

import (
	"context"
	"sync"

	"github.com/local/renewalcal/internal/contract"
)

// Outcome is the result of one document in a batch.
type Outcome struct {
	Index    int
	FileName string
	Record   *contract.Record
	Err      error
}

// IngestBatch ingests every upload concurrently, at most Config.Concurrency at a
// time. Outcomes arrive in completion order; the channel closes after the last one.
func (p *Pipeline) IngestBatch(ctx context.Context, uploads []Upload) <-chan Outcome {
	return p.batch(ctx, uploads, p.Ingest)
}

// SubmitBatch stores and queues every upload without waiting for extraction.
func (p *Pipeline) SubmitBatch(ctx context.Context, uploads []Upload) <-chan Outcome {
	return p.batch(ctx, uploads, p.Submit)
}

func (p *Pipeline) batch(ctx context.Context, uploads []Upload, fn func(context.Context, Upload) (*contract.Record, error)) <-chan Outcome {
	out := make(chan Outcome, len(uploads))
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, up := range uploads {
		wg.Add(1)
		go func(i int, up Upload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rec, err := fn(ctx, up)
			out <- Outcome{Index: i, FileName: up.FileName, Record: rec, Err: err}
		}(i, up)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Collect drains outcomes back into upload order.
func Collect(ch <-chan Outcome, n int) []Outcome {
	res := make([]Outcome, n)
	for o := range ch {
		res[o.Index] = o
	}
	return res
}
