package usecase

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Go-routine-4595/twinrelay/domain"

	"github.com/rs/zerolog"
)

const (
	metricsInterval = time.Second * 30
)

var ErrPoolClosed = errors.New("worker pool closed")

type PoolStats struct {
	Delivered uint64
	Completed uint64
	Abandoned uint64
	Failed    uint64
}

// WorkerPool runs input handlers off the transport callback goroutine.
type WorkerPool struct {
	workerCount int
	jobQueue    chan domain.Delivery
	wg          sync.WaitGroup
	logger      zerolog.Logger
	onFatal     func(error)

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	// Delivery metrics
	delivered atomic.Uint64
	completed atomic.Uint64 // handler returned Completed, message acked
	abandoned atomic.Uint64 // handler returned Abandoned, message left unacked
	failed    atomic.Uint64 // handler returned an error
}

func NewWorkerPool(workerCount int, queueSize int, l *zerolog.Logger) *WorkerPool {
	var (
		logger zerolog.Logger
	)

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	if workerCount < 1 {
		workerCount = 1
	}

	wp := &WorkerPool{
		workerCount: workerCount,
		jobQueue:    make(chan domain.Delivery, queueSize),
		logger:      logger,
		done:        make(chan struct{}),
	}
	wp.onFatal = func(err error) {
		wp.logger.Fatal().Err(err).Msg("input handler wiring defect")
	}
	return wp
}

// WithFatalHandler replaces the default fatal handling (log and exit).
func (wp *WorkerPool) WithFatalHandler(fn func(error)) *WorkerPool {
	wp.onFatal = fn
	return wp
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	// Start metrics reporter
	wp.wg.Add(1)
	go wp.metricsReporter(ctx)
}

func (wp *WorkerPool) metricsReporter(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	var lastDelivered uint64

	for {
		select {
		case <-ticker.C:
			s := wp.Stats()
			inPeriod := s.Delivered - lastDelivered

			wp.logger.Info().
				Uint64("delivered", s.Delivered).
				Uint64("completed", s.Completed).
				Uint64("abandoned", s.Abandoned).
				Uint64("failed", s.Failed).
				Uint64("period_delivered", inPeriod).
				Int("queued", len(wp.jobQueue)).
				Msg("Delivery metrics")

			if s.Delivered > 100 && s.Failed > s.Delivered/10 { // More than 10% failed
				wp.logger.Warn().
					Uint64("failed", s.Failed).
					Uint64("delivered", s.Delivered).
					Msg("High handler failure rate")
			}

			lastDelivered = s.Delivered

		case <-ctx.Done():
			return
		case <-wp.done:
			return
		}
	}
}

func (wp *WorkerPool) logFinalMetrics() {
	s := wp.Stats()
	wp.logger.Info().
		Uint64("total_delivered", s.Delivered).
		Uint64("total_completed", s.Completed).
		Uint64("total_abandoned", s.Abandoned).
		Uint64("total_failed", s.Failed).
		Msg("Final delivery metrics")
}

func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Delivered: wp.delivered.Load(),
		Completed: wp.completed.Load(),
		Abandoned: wp.abandoned.Load(),
		Failed:    wp.failed.Load(),
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case job, ok := <-wp.jobQueue:
			if !ok {
				wp.logger.Debug().Msgf("Worker %d: shutting down", id)
				return
			}
			wp.process(ctx, job, id)
		case <-ctx.Done():
			wp.logger.Debug().Msgf("Worker %d: shutting down context cancelled", id)
			return
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, job domain.Delivery, id int) {
	var err error

	defer func(now time.Time) {
		elapsed := time.Since(now)
		if err != nil {
			wp.logger.Error().Err(err).Str("input", job.Input).Msgf("message handling took %s -- worker id: %d ", elapsed, id)
		} else {
			wp.logger.Debug().Str("input", job.Input).Msgf("message handling took %s -- worker id: %d ", elapsed, id)
		}
	}(time.Now())

	wp.delivered.Add(1)

	var resp domain.MessageResponse
	resp, err = job.Handler(ctx, job.Message, job.UserContext)

	switch {
	case errors.Is(err, domain.ErrUnexpectedContext):
		wp.failed.Add(1)
		wp.onFatal(err)
	case err != nil:
		wp.failed.Add(1)
	case resp == domain.Completed:
		wp.completed.Add(1)
		if job.Ack != nil {
			job.Ack()
		}
	default:
		wp.abandoned.Add(1)
	}
}

// Submit blocks until the delivery is queued, ctx ends or the pool closes.
// A full queue slows the transport down instead of dropping messages.
func (wp *WorkerPool) Submit(ctx context.Context, d domain.Delivery) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobQueue <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.done:
		return ErrPoolClosed
	}
}

func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.done)

		wp.mu.Lock()
		wp.closed = true
		close(wp.jobQueue)
		wp.mu.Unlock()

		wp.wg.Wait()
		wp.logFinalMetrics()
		wp.logger.Info().Msg("UseCase Worker pool Shutting down gracefully...")
	})
}
