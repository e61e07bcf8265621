package neo4jstore

import (
	"errors"
	"reflect"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// errPropertyNotFound means a query no longer returns a column the code reads,
// which only happens after an incomplete edit of a Cypher query.
var errPropertyNotFound = errors.New("property not found")

// unexpectedPropertyTypeError means a column holds a value of another type than
// the code reads it as. Type is nil for a null value.
type unexpectedPropertyTypeError struct {
	Type reflect.Type
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: null"
	}
	return "unexpected property type: " + e.Type.String()
}

// recordProperty lists the column types the store reads.
type recordProperty interface {
	int64 | string | time.Time
}

// getRecordProperty reads the non-null column key of record as a T.
func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (T, error) {
	return property[T](record, key, false)
}

// getOptionalProperty reads the column key of record as a T, or the zero T for
// a null value.
func getOptionalProperty[T recordProperty](record *neo4j.Record, key string) (T, error) {
	return property[T](record, key, true)
}

func property[T recordProperty](record *neo4j.Record, key string, nullable bool) (value T, err error) {
	prop, exists := record.Get(key)
	switch v, ok := prop.(T); {
	case !exists:
		return value, errPropertyNotFound
	case ok:
		return v, nil
	case prop == nil && nullable:
		return value, nil
	default:
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
}

// constraintValidationFailed is the code of the error neo4j returns when a
// write violates a node key.
const constraintValidationFailed = "Neo.ClientError.Schema.ConstraintValidationFailed"

func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	return errors.As(err, &neoErr) && neoErr.Code == constraintValidationFailed
}
