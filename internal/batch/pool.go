// Package batch executes admitted jobs against the remote provider with a
// bounded worker pool, retrying transient failures and reporting progress.
package batch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"server/internal/cache"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/progress"
	"server/internal/providers/video"
	"server/internal/registry"
	"server/internal/storage"
)

// Item is one unit of queued work. The job record lives in the registry; the
// item carries what the worker needs to issue the remote call.
type Item struct {
	JobID        string
	Request      domain.GenerateRequest
	ImageKey     string
	TailImageKey string
}

// Options wires a Pool to its collaborators.
type Options struct {
	Registry  *registry.Registry
	Cache     *cache.Store
	Hub       *progress.Hub
	Generator video.Generator
	Files     *storage.FileStore
	Logger    infra.Logger

	Workers        int
	QueueHighWater int
	MaxAttempts    int
	BackoffBase    time.Duration
	RemoteTimeout  time.Duration
	CacheTTL       time.Duration
}

// Pool is the bounded-concurrency executor. No more than Workers remote
// calls are ever in flight; queue admission is rejected past the high-water
// mark instead of growing without bound.
type Pool struct {
	opts  Options
	queue chan Item

	inFlight     atomic.Int32
	peakInFlight atomic.Int32

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool builds a Pool. Call Run to start the workers.
func NewPool(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.QueueHighWater < opts.Workers {
		opts.QueueHighWater = opts.Workers * 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Pool{
		opts:  opts,
		queue: make(chan Item, opts.QueueHighWater),
		sleep: sleepCtx,
	}
}

// Submit enqueues an item. When the queue is at the high-water mark the
// submission is rejected with ErrBackpressure so callers can surface a
// structured refusal instead of waiting.
func (p *Pool) Submit(item Item) error {
	select {
	case p.queue <- item:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// QueueDepth reports how many items are waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// InFlight reports the current number of active remote calls.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// PeakInFlight reports the highest concurrency observed since start.
func (p *Pool) PeakInFlight() int {
	return int(p.peakInFlight.Load())
}

// Run blocks processing the queue with the configured number of workers
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case item := <-p.queue:
					p.process(ctx, item)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) process(ctx context.Context, item Item) {
	reg := p.opts.Registry
	job, err := reg.Get(item.JobID)
	if err != nil || job.Status != domain.JobStatusQueued {
		// Cancelled while queued (or evicted): the remote call is never
		// issued.
		return
	}
	job, err = reg.Transition(item.JobID, domain.JobStatusRunning, registry.Update{Message: "starting"})
	if err != nil {
		return
	}
	p.publish(job, 0, "starting")

	p.runJob(ctx, item)
}

func (p *Pool) runJob(ctx context.Context, item Item) {
	reg := p.opts.Registry
	logger := p.opts.Logger

	provReq, err := p.buildProviderRequest(ctx, item)
	if err != nil {
		logger.Error().Err(err).Str("job_id", item.JobID).Msg("batch: input unreadable")
		p.fail(item, 0, "input image could not be read")
		return
	}

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if reg.CancelRequested(item.JobID) {
			p.cancel(item)
			return
		}

		result, err := p.attempt(ctx, item, provReq)

		// A cancellation that landed while the call was in flight takes
		// effect now that the call has resolved; the provider may have
		// billed for it either way.
		if reg.CancelRequested(item.JobID) {
			if result != nil {
				if job, gerr := reg.Get(item.JobID); gerr == nil {
					p.opts.Cache.Put(ctx, job.Fingerprint, *result, p.opts.CacheTTL)
				}
			}
			p.cancel(item)
			return
		}
		if err == nil {
			p.complete(ctx, item, result)
			return
		}

		if !video.IsRetryable(err) {
			logger.Warn().Err(err).Str("job_id", item.JobID).Int("attempt", attempt).Msg("batch: permanent provider failure")
			p.fail(item, attempt, userFacingMessage(err))
			return
		}
		if attempt == p.opts.MaxAttempts {
			logger.Error().Err(err).Str("job_id", item.JobID).Int("attempts", attempt).Msg("batch: retries exhausted")
			p.fail(item, attempt, fmt.Sprintf("generation failed after %d attempts", attempt))
			return
		}

		delay := p.backoff(attempt)
		logger.Warn().Err(err).Str("job_id", item.JobID).Int("attempt", attempt).Dur("backoff", delay).Msg("batch: transient failure, retrying")
		if job, err := reg.SetProgress(item.JobID, 0, fmt.Sprintf("retrying (attempt %d of %d)", attempt+1, p.opts.MaxAttempts)); err == nil {
			p.publish(job, job.Progress, job.Message)
		}
		if err := p.sleep(ctx, delay); err != nil {
			p.cancel(item)
			return
		}
	}
}

func (p *Pool) attempt(ctx context.Context, item Item, provReq video.GenerateRequest) (*domain.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RemoteTimeout)
	defer cancel()

	current := p.inFlight.Add(1)
	for {
		peak := p.peakInFlight.Load()
		if current <= peak || p.peakInFlight.CompareAndSwap(peak, current) {
			break
		}
	}
	defer p.inFlight.Add(-1)

	return p.opts.Generator.Generate(callCtx, provReq, func(percent int, message string) {
		if job, err := p.opts.Registry.SetProgress(item.JobID, percent, message); err == nil {
			p.publish(job, job.Progress, job.Message)
		}
	})
}

func (p *Pool) buildProviderRequest(ctx context.Context, item Item) (video.GenerateRequest, error) {
	req := video.GenerateRequest{
		Model:          item.Request.Model,
		Prompt:         item.Request.Prompt,
		NegativePrompt: item.Request.NegativePrompt,
		Duration:       item.Request.Duration,
		AspectRatio:    item.Request.AspectRatio,
		CFGScale:       item.Request.CFGScale,
		RequestID:      item.JobID,
	}
	if item.ImageKey != "" {
		imageURL, err := p.imageDataURI(ctx, item.ImageKey)
		if err != nil {
			return video.GenerateRequest{}, err
		}
		req.ImageURL = imageURL
	}
	if item.TailImageKey != "" {
		tailURL, err := p.imageDataURI(ctx, item.TailImageKey)
		if err != nil {
			return video.GenerateRequest{}, err
		}
		req.TailImageURL = tailURL
	}
	return req, nil
}

// imageDataURI inlines the stored upload as a data URI so the provider call
// needs no separately hosted file.
func (p *Pool) imageDataURI(ctx context.Context, key string) (string, error) {
	data, err := p.opts.Files.ReadAll(ctx, key)
	if err != nil {
		return "", err
	}
	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (p *Pool) complete(ctx context.Context, item Item, result *domain.Result) {
	job, err := p.opts.Registry.Transition(item.JobID, domain.JobStatusCompleted, registry.Update{
		Message: "completed",
		Result:  result,
	})
	if err != nil {
		return
	}
	p.opts.Cache.Put(ctx, job.Fingerprint, *result, p.opts.CacheTTL)
	p.publish(job, 100, "completed")
	p.opts.Hub.Complete(item.JobID)
}

func (p *Pool) fail(item Item, attempts int, message string) {
	job, err := p.opts.Registry.Transition(item.JobID, domain.JobStatusFailed, registry.Update{
		Message:      message,
		ErrorMessage: message,
		Attempts:     attempts,
	})
	if err != nil {
		return
	}
	p.publish(job, job.Progress, message)
	p.opts.Hub.Complete(item.JobID)
}

func (p *Pool) cancel(item Item) {
	job, err := p.opts.Registry.Transition(item.JobID, domain.JobStatusCancelled, registry.Update{Message: "cancelled"})
	if err != nil {
		return
	}
	p.publish(job, job.Progress, "cancelled")
	p.opts.Hub.Complete(item.JobID)
}

func (p *Pool) publish(job domain.Job, percent int, message string) {
	p.opts.Hub.Publish(job.ID, progress.Event{
		Status:  job.Status,
		Percent: percent,
		Message: message,
	})
}

// userFacingMessage picks a message safe to show callers. Provider verdicts
// carry their own text; anything else gets a generic line while the full
// error stays in the logs.
func userFacingMessage(err error) string {
	var pe *video.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "generation failed"
}

// backoff grows exponentially from the base with up to 25% jitter so
// simultaneous failures do not retry in lockstep.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.opts.BackoffBase << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
