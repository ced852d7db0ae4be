package ocr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"go.uber.org/zap"
)

// ErrTimeout is the outcome of a submission that exceeded its wall-clock
// budget, waiting included.
var ErrTimeout = errors.New("ocr: request timed out")

// ErrCancelled is the outcome of a submission cancelled while queued.
var ErrCancelled = errors.New("ocr: request cancelled")

// Engine executes the OCR function under tiered permits. It never
// retries: empty and partial outputs are returned verbatim with a status
// tag and downstream decides what counts as a failure.
type Engine struct {
	fn      Func
	sem     *PrioritySemaphore
	monitor *Monitor
	timeout time.Duration
	logger  *zap.Logger
}

func NewEngine(fn Func, sem *PrioritySemaphore, monitor *Monitor, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		fn:      fn,
		sem:     sem,
		monitor: monitor,
		timeout: timeout,
		logger:  logger,
	}
}

// Result is the terminal state of one submission.
type Result struct {
	Output   Output
	Wait     time.Duration
	Process  time.Duration
	Borrowed bool
}

// Pending is an in-flight submission. Cancel is effective while the
// request is still waiting for a permit; once OCR has started the run
// completes and its result is discarded.
type Pending struct {
	ID     string
	Tier   Tier
	done   chan Result
	cancel context.CancelFunc
}

// Done delivers exactly one Result.
func (p *Pending) Done() <-chan Result { return p.done }

func (p *Pending) Cancel() { p.cancel() }

// Submit schedules one image at the given tier. The returned Pending
// resolves within the engine's wall-clock budget.
func (e *Engine) Submit(ctx context.Context, tier Tier, image []byte) *Pending {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	p := &Pending{
		ID:     uuid.NewString(),
		Tier:   tier,
		done:   make(chan Result, 1),
		cancel: cancel,
	}
	go e.run(reqCtx, cancel, p, tier, image)
	return p
}

// Process is the synchronous form of Submit.
func (e *Engine) Process(ctx context.Context, tier Tier, image []byte) Result {
	p := e.Submit(ctx, tier, image)
	return <-p.Done()
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, p *Pending, tier Tier, image []byte) {
	defer cancel()

	waitStart := time.Now()
	permit, err := e.sem.Acquire(ctx, tier)
	wait := time.Since(waitStart)
	if err != nil {
		outcome := "cancelled"
		resErr := ErrCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			resErr = ErrTimeout
		}
		metrics.OCRSubmissionsTotal.WithLabelValues(tier.String(), outcome).Inc()
		p.done <- Result{Output: Output{Status: StatusError, Err: resErr}, Wait: wait}
		return
	}

	e.monitor.Record(tier, wait)
	metrics.OCRWaitDuration.WithLabelValues(tier.String()).Observe(wait.Seconds())

	// The OCR function is CPU-bound and not interruptible; run it on its
	// own goroutine so an expired budget can release the permit while the
	// in-flight run drains in the background.
	type ocrOut struct {
		boxes []Box
		err   error
	}
	outCh := make(chan ocrOut, 1)
	procStart := time.Now()
	go func() {
		boxes, err := e.fn(context.WithoutCancel(ctx), image)
		outCh <- ocrOut{boxes: boxes, err: err}
	}()

	select {
	case out := <-outCh:
		proc := time.Since(procStart)
		permit.Release()
		metrics.OCRProcessDuration.WithLabelValues(tier.String()).Observe(proc.Seconds())

		res := Result{Wait: wait, Process: proc, Borrowed: permit.Borrowed()}
		switch {
		case out.err != nil:
			res.Output = Output{Status: StatusError, Err: out.err}
			metrics.OCRSubmissionsTotal.WithLabelValues(tier.String(), "error").Inc()
		case len(out.boxes) == 0:
			res.Output = Output{Status: StatusEmpty}
			metrics.OCRSubmissionsTotal.WithLabelValues(tier.String(), "empty").Inc()
		default:
			res.Output = Output{Boxes: out.boxes, Status: StatusOK}
			metrics.OCRSubmissionsTotal.WithLabelValues(tier.String(), "ok").Inc()
		}
		p.done <- res

	case <-ctx.Done():
		// Budget expired: release the permit now, resolve with a
		// timeout, and discard the in-flight result when it arrives.
		permit.Release()
		metrics.OCRSubmissionsTotal.WithLabelValues(tier.String(), "timeout").Inc()
		p.done <- Result{
			Output:   Output{Status: StatusError, Err: ErrTimeout},
			Wait:     wait,
			Borrowed: permit.Borrowed(),
		}
		go func() {
			<-outCh
			e.logger.Debug("discarded OCR result after budget expiry",
				zap.String("request_id", p.ID),
				zap.String("tier", tier.String()),
			)
		}()
	}
}
