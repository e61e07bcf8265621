package traitable

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-traitable")
var meter = otel.Meter("github.com/go-digitaltwin/go-traitable")

const (
	// traitableCollection is the attribute key used to associate each record
	// with the collection (class name) it concerns. This enables analysis of the
	// metrics below both collectively and per class.
	traitableCollection = "traitable.collection"
	// traitableOutcome is the attribute key distinguishing successful records
	// from failed ones.
	traitableOutcome = "traitable.outcome"
)

var (
	// evaluationCounter counts getter invocations of computed traits; cache hits
	// are not counted.
	//
	// Each record is associated with the traitableCollection and the
	// traitableOutcome.
	evaluationCounter metric.Int64Counter
	// invalidationCounter counts the cached computed values dropped by writes,
	// reloads and explicit invalidation.
	invalidationCounter metric.Int64Counter
	// conflictCounter counts saves rejected by the expected-revision guard.
	//
	// Each record is associated with the traitableCollection.
	conflictCounter metric.Int64Counter
	// feedFailureCounter counts revision events that could not be published.
	feedFailureCounter metric.Int64Counter
	// saveDuration measures the duration of a successful save, including the
	// history append and the document write.
	//
	// Each record is associated with the traitableCollection.
	saveDuration metric.Float64Histogram
)

func init() {
	var err error
	evaluationCounter, err = meter.Int64Counter(
		"trait.evaluations",
		metric.WithDescription("The number of computed trait evaluations (getter invocations)."),
	)
	if err != nil {
		panic("traitable: failed to init 'trait.evaluations' instrument")
	}

	invalidationCounter, err = meter.Int64Counter(
		"trait.invalidations",
		metric.WithDescription("The number of cached computed trait values dropped by invalidation."),
	)
	if err != nil {
		panic("traitable: failed to init 'trait.invalidations' instrument")
	}

	conflictCounter, err = meter.Int64Counter(
		"traitable.save.conflicts",
		metric.WithDescription("The number of saves rejected because the stored revision moved."),
	)
	if err != nil {
		panic("traitable: failed to init 'traitable.save.conflicts' instrument")
	}

	feedFailureCounter, err = meter.Int64Counter(
		"traitable.feed.failures",
		metric.WithDescription("The number of revision events that failed to publish."),
	)
	if err != nil {
		panic("traitable: failed to init 'traitable.feed.failures' instrument")
	}

	saveDuration, err = meter.Float64Histogram(
		"traitable.save.duration",
		metric.WithDescription("The duration of a successful save, including its history entry."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("traitable: failed to init 'traitable.save.duration' instrument")
	}
}

// Stats are cumulative counters of a Runtime, mirrored by its otel instruments.
type Stats struct {
	Evaluations   int64 // Getter invocations.
	CacheHits     int64 // Reads served from memoized values.
	Invalidations int64 // Cached values dropped.
	Conflicts     int64 // Saves rejected by the revision guard.
	FeedFailures  int64 // Revision events that failed to publish.
}

type stats struct {
	evaluations   atomic.Int64
	hits          atomic.Int64
	invalidations atomic.Int64
	conflicts     atomic.Int64
	feedFailures  atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Evaluations:   s.evaluations.Load(),
		CacheHits:     s.hits.Load(),
		Invalidations: s.invalidations.Load(),
		Conflicts:     s.conflicts.Load(),
		FeedFailures:  s.feedFailures.Load(),
	}
}

func outcome(succeeded bool) attribute.KeyValue {
	if succeeded {
		return attribute.String(traitableOutcome, "ok")
	}
	return attribute.String(traitableOutcome, "error")
}

// Evaluations and invalidations happen outside of any context.Context (getters
// are synchronous and never touch the store), so they are recorded against the
// background context.

func (rt *Runtime) measureEvaluation(collection string, succeeded bool) {
	rt.stats.evaluations.Add(1)
	attrs := attribute.NewSet(attribute.String(traitableCollection, collection), outcome(succeeded))
	evaluationCounter.Add(context.Background(), 1, metric.WithAttributeSet(attrs))
}

func (rt *Runtime) measureInvalidation(n int) {
	if n == 0 {
		return
	}
	rt.stats.invalidations.Add(int64(n))
	invalidationCounter.Add(context.Background(), int64(n))
}

func (rt *Runtime) measureConflict(ctx context.Context, collection string) {
	rt.stats.conflicts.Add(1)
	conflictCounter.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(traitableCollection, collection))))
}

func (rt *Runtime) measureFeedFailure(ctx context.Context) {
	rt.stats.feedFailures.Add(1)
	feedFailureCounter.Add(ctx, 1)
}

// measureSave records the duration of a successful save. We use floating-point
// division for higher precision than the Milliseconds method offers.
func measureSave(ctx context.Context, collection string, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(traitableCollection, collection))
	saveDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
