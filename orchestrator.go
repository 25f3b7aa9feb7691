package enzyme

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harborgrid-justin/enzyme-sub015/internal/backoff"
)

// Task is one unit of orchestrated work.
type Task[T any] func(ctx context.Context) (T, error)

// RequestTask adapts a request into a Task executed by c.
func RequestTask(c *Client, req *Request) Task[*Response[any]] {
	return func(ctx context.Context) (*Response[any], error) {
		return c.Do(ctx, req)
	}
}

// TaskError reports which task of a batch failed.
type TaskError struct {
	Index int
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d: %v", e.Index, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ParallelOptions controls Parallel.
type ParallelOptions struct {
	// MaxConcurrency is the batch size. Zero runs every task in one batch.
	MaxConcurrency int
	// StopOnError skips the batches after one that had a failure.
	StopOnError bool
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
}

// Parallel runs tasks in fixed-size batches. A failing task never cancels
// its siblings. Results keep input order; the error joins every *TaskError.
func Parallel[T any](ctx context.Context, tasks []Task[T], opts ParallelOptions) ([]T, error) {
	results := make([]T, len(tasks))
	size := opts.MaxConcurrency
	if size <= 0 || size > len(tasks) {
		size = len(tasks)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for start := 0; start < len(tasks); start += size {
		if start > 0 && opts.BatchDelay > 0 {
			if err := backoff.Sleep(ctx, opts.BatchDelay); err != nil {
				errs = append(errs, err)
				break
			}
		}

		end := min(start+size, len(tasks))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := tasks[i](ctx)
				if err != nil {
					taskErr := &TaskError{Index: i, Err: err}
					mu.Lock()
					errs = append(errs, taskErr)
					mu.Unlock()
					return taskErr
				}
				results[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil && opts.StopOnError {
			break
		}
	}

	sortTaskErrors(errs)
	return results, errors.Join(errs...)
}

func sortTaskErrors(errs []error) {
	index := func(err error) int {
		var te *TaskError
		if errors.As(err, &te) {
			return te.Index
		}
		return -1
	}
	slices.SortStableFunc(errs, func(a, b error) int {
		return cmp.Compare(index(a), index(b))
	})
}

// Fulfilled is a task that succeeded.
type Fulfilled[T any] struct {
	Index int
	Value T
}

// Rejected is a task that failed.
type Rejected struct {
	Index int
	Err   error
}

// Settled partitions task outcomes. Both slices are ordered by index.
type Settled[T any] struct {
	Fulfilled []Fulfilled[T]
	Rejected  []Rejected
}

// AllSettled runs every task concurrently and never fails.
func AllSettled[T any](ctx context.Context, tasks []Task[T]) Settled[T] {
	values, err := Parallel(ctx, tasks, ParallelOptions{})

	failed := make(map[int]error)
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			var te *TaskError
			if errors.As(e, &te) {
				failed[te.Index] = te.Err
			}
		}
	}

	var out Settled[T]
	for i := range tasks {
		if err, ok := failed[i]; ok {
			out.Rejected = append(out.Rejected, Rejected{Index: i, Err: err})
		} else {
			out.Fulfilled = append(out.Fulfilled, Fulfilled[T]{Index: i, Value: values[i]})
		}
	}
	return out
}

// SequenceOptions controls Sequence.
type SequenceOptions struct {
	// Delay is the pause between consecutive tasks.
	Delay       time.Duration
	StopOnError bool
}

// Sequence runs tasks one at a time in order.
func Sequence[T any](ctx context.Context, tasks []Task[T], opts SequenceOptions) ([]T, error) {
	results := make([]T, len(tasks))
	var errs []error
	for i, task := range tasks {
		if i > 0 && opts.Delay > 0 {
			if err := backoff.Sleep(ctx, opts.Delay); err != nil {
				return results, errors.Join(append(errs, err)...)
			}
		}
		v, err := task(ctx)
		if err != nil {
			errs = append(errs, &TaskError{Index: i, Err: err})
			if opts.StopOnError {
				break
			}
			continue
		}
		results[i] = v
	}
	return results, errors.Join(errs...)
}

// WaterfallStep is one stage of a Waterfall.
type WaterfallStep struct {
	Name string
	Run  func(ctx context.Context, in any) (any, error)
	// Skip passes the input through unchanged when it returns true.
	Skip func(in any) bool
	// Recover turns a failure into a substitute output so the chain continues.
	Recover func(ctx context.Context, in any, err error) (any, error)
}

// Waterfall feeds each step the previous step's output.
func Waterfall(ctx context.Context, steps []WaterfallStep, initial any) (any, error) {
	cur := initial
	for i, step := range steps {
		if err := context.Cause(ctx); err != nil {
			return cur, err
		}
		if step.Skip != nil && step.Skip(cur) {
			continue
		}
		out, err := step.Run(ctx, cur)
		if err != nil && step.Recover != nil {
			out, err = step.Recover(ctx, cur, err)
		}
		if err != nil {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return cur, fmt.Errorf("waterfall step %s: %w", name, err)
		}
		cur = out
	}
	return cur, nil
}

// WithFallback returns the first success among primary and fallbacks, or the
// last failure when all fail.
func WithFallback[T any](ctx context.Context, primary Task[T], fallbacks ...Task[T]) (T, error) {
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}
	for _, fb := range fallbacks {
		if ctx.Err() != nil {
			return v, err
		}
		v, err = fb(ctx)
		if err == nil {
			return v, nil
		}
	}
	return v, err
}

// WithRetry retries task under policy with the executor's backoff. An
// *APIError is retried only when Retryable; other errors are always retried.
func WithRetry[T any](ctx context.Context, task Task[T], policy RetryPolicy) (T, error) {
	attempts := max(policy.MaxAttempts, 1)
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		v, err = task(ctx)
		if err == nil {
			return v, nil
		}
		if apiErr, ok := AsAPIError(err); ok && !apiErr.Retryable {
			return v, err
		}
		if attempt+1 == attempts {
			break
		}
		delay := policy.Delay(attempt)
		if apiErr, ok := AsAPIError(err); ok && policy.RespectRetryAfter && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return v, err
		}
	}
	return v, err
}

// WithTaskTimeout races task against d. The task's context is cancelled when
// the timer fires; a task that ignores it is abandoned.
func WithTaskTimeout[T any](ctx context.Context, task Task[T], d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, d, ErrRequestTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := task(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrRequestTimeout) {
			apiErr := newAPIError(CategoryTimeout, 0, fmt.Sprintf("operation exceeded %v", d), cause)
			apiErr.Code = "TIMEOUT"
			return zero, apiErr
		}
		return zero, cause
	}
}

// Orchestrator runs multi-request patterns against one client.
type Orchestrator struct {
	client     *Client
	levelLimit int
}

// NewOrchestrator returns an orchestrator executing static requests with c.
func NewOrchestrator(c *Client) *Orchestrator {
	return &Orchestrator{client: c}
}

// WithLevelLimit returns a copy of o that runs at most n nodes of a
// dependency level at once, starting them in priority order. n <= 0 means
// no limit.
func (o *Orchestrator) WithLevelLimit(n int) *Orchestrator {
	cp := *o
	cp.levelLimit = n
	return &cp
}

func (o *Orchestrator) tasks(reqs []*Request) []Task[*Response[any]] {
	tasks := make([]Task[*Response[any]], len(reqs))
	for i, req := range reqs {
		tasks[i] = RequestTask(o.client, req)
	}
	return tasks
}

// Parallel executes reqs with Parallel.
func (o *Orchestrator) Parallel(ctx context.Context, reqs []*Request, opts ParallelOptions) ([]*Response[any], error) {
	return Parallel(ctx, o.tasks(reqs), opts)
}

// AllSettled executes reqs with AllSettled.
func (o *Orchestrator) AllSettled(ctx context.Context, reqs []*Request) Settled[*Response[any]] {
	return AllSettled(ctx, o.tasks(reqs))
}

// Sequence executes reqs with Sequence.
func (o *Orchestrator) Sequence(ctx context.Context, reqs []*Request, opts SequenceOptions) ([]*Response[any], error) {
	return Sequence(ctx, o.tasks(reqs), opts)
}
