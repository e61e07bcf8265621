package neo4jstore

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-traitable/neo4jstore")
var meter = otel.Meter("github.com/go-digitaltwin/go-traitable/neo4jstore")

var (
	// constraintViolationCounter counts writes refused by a node key constraint,
	// that is creates of existing documents and appends of existing revisions.
	constraintViolationCounter metric.Int64Counter
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an error
	// during an instrument's initialisation, triggering a panic.
	var err error
	constraintViolationCounter, err = meter.Int64Counter(
		"neo4jstore.constraint_violations",
		metric.WithDescription("how many writes were refused by a node key constraint"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'neo4jstore.constraint_violations' instrument: %v", err)
		panic(s)
	}
}
