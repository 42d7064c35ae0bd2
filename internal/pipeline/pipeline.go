// Package pipeline runs batch items through prepare → generate → persist
// with separate concurrency bounds for database and generative work. A
// failing item never aborts its siblings.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// ErrSkip from Prepare drops an item without counting it as a failure.
var ErrSkip = errors.New("pipeline: skip item")

// Stage names used in reports, logs and metrics.
const (
	StagePrepare  = "prepare"
	StageGenerate = "generate"
	StagePersist  = "persist"
)

// Stages is the work of one pipeline. Key names an item in logs.
type Stages[S, P, G any] struct {
	Name     string
	Key      func(S) string
	Prepare  func(ctx context.Context, item S) (P, error)
	Generate func(ctx context.Context, prepared P) (G, error)
	Persist  func(ctx context.Context, generated G) error
}

// Options bounds stage concurrency.
type Options struct {
	DBConcurrency  int // prepare and persist workers, default 2
	LLMConcurrency int // generate workers, default 3
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DBConcurrency <= 0 {
		o.DBConcurrency = 2
	}
	if o.LLMConcurrency <= 0 {
		o.LLMConcurrency = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Failure records why one item left the pipeline.
type Failure struct {
	Key   string
	Stage string
	Err   error
}

// Report summarises one run.
type Report struct {
	Total     int
	Prepared  int
	Skipped   int
	Generated int
	Persisted int
	Failures  []Failure
}

// Failed reports whether any item failed.
func (r Report) Failed() bool { return len(r.Failures) > 0 }

// FailedKeys returns the keys of failed items.
func (r Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		keys = append(keys, f.Key)
	}
	return keys
}

type job[T any] struct {
	key string
	v   T
}

type collector struct {
	mu     sync.Mutex
	name   string
	report Report
	logger *slog.Logger
}

func (c *collector) ok(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch stage {
	case StagePrepare:
		c.report.Prepared++
	case StageGenerate:
		c.report.Generated++
	case StagePersist:
		c.report.Persisted++
	}
	telemetry.PipelineItemsTotal.WithLabelValues(c.name, stage, "ok").Inc()
}

func (c *collector) skip(key string) {
	c.mu.Lock()
	c.report.Skipped++
	c.mu.Unlock()
	telemetry.PipelineItemsTotal.WithLabelValues(c.name, StagePrepare, "skipped").Inc()
	c.logger.Info("item skipped", slog.String("item", key))
}

func (c *collector) fail(key, stage string, err error) {
	c.mu.Lock()
	c.report.Failures = append(c.report.Failures, Failure{Key: key, Stage: stage, Err: err})
	c.mu.Unlock()
	telemetry.PipelineItemsTotal.WithLabelValues(c.name, stage, "failed").Inc()
	c.logger.Warn("item failed",
		slog.String("item", key),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// Run pushes every item through the three stages and returns once all
// items have either been persisted, skipped or failed.
func Run[S, P, G any](ctx context.Context, items []S, st Stages[S, P, G], opts Options) Report {
	opts = opts.withDefaults()
	c := &collector{
		name:   st.Name,
		report: Report{Total: len(items)},
		logger: opts.Logger.With(slog.String("pipeline", st.Name)),
	}
	key := st.Key
	if key == nil {
		key = func(S) string { return "" }
	}

	src := make(chan job[S])
	prepared := make(chan job[P])
	generated := make(chan job[G])

	go func() {
		defer close(src)
		for _, it := range items {
			select {
			case src <- job[S]{key: key(it), v: it}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go runStage(ctx, c, st.Name, StagePrepare, opts.DBConcurrency, src, prepared, st.Prepare)
	go runStage(ctx, c, st.Name, StageGenerate, opts.LLMConcurrency, prepared, generated, st.Generate)

	persistOut := make(chan job[struct{}])
	go runStage(ctx, c, st.Name, StagePersist, opts.DBConcurrency, generated, persistOut,
		func(ctx context.Context, g G) (struct{}, error) { return struct{}{}, st.Persist(ctx, g) })
	for range persistOut {
	}

	if err := ctx.Err(); err != nil {
		c.mu.Lock()
		done := c.report.Persisted + c.report.Skipped + len(c.report.Failures)
		c.mu.Unlock()
		for i := done; i < c.report.Total; i++ {
			c.fail("", "cancelled", err)
		}
	}
	return c.report
}

// runStage fans in from in with n workers and closes out when they finish.
func runStage[I, O any](
	ctx context.Context,
	c *collector,
	pipeline, stage string,
	n int,
	in <-chan job[I],
	out chan<- job[O],
	fn func(context.Context, I) (O, error),
) {
	defer close(out)
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			for j := range in {
				if ctx.Err() != nil {
					continue
				}
				v, err := call(ctx, pipeline, stage, j.key, j.v, fn)
				switch {
				case err == nil:
					c.ok(stage)
					select {
					case out <- job[O]{key: j.key, v: v}:
					case <-ctx.Done():
					}
				case stage == StagePrepare && errors.Is(err, ErrSkip):
					c.skip(j.key)
				default:
					c.fail(j.key, stage, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func call[I, O any](ctx context.Context, pipeline, stage, key string, v I, fn func(context.Context, I) (O, error)) (out O, err error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, pipeline+"."+stage)
	span.SetAttributes(attribute.String("pipeline.item", key))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", stage, r, debug.Stack())
		}
		telemetry.PipelineStageDurationSeconds.WithLabelValues(pipeline, stage).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrSkip) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx, v)
}
