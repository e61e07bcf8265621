package cloudstore

import (
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-traitable/cloudstore")

const attrCollection = "docstore.collection"
