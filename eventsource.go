package traitable

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// EventSource decodes the messages of a pubsub subscription into events of a
// single type.
type EventSource struct {
	sub    *pubsub.Subscription
	typ    reflect.Type
	decode func(body []byte, v reflect.Value) error
}

// GobEventSource returns an EventSource for gob-encoded events of type T, the
// encoding Feed publishes with.
func GobEventSource[T any](sub *pubsub.Subscription) EventSource {
	return EventSource{
		sub: sub,
		typ: TypeOf[T](),
		decode: func(body []byte, v reflect.Value) error {
			return gob.NewDecoder(bytes.NewReader(body)).DecodeValue(v)
		},
	}
}

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, ev any) error

// Next blocks until an event arrives or ctx is done.
//
// Messages are acknowledged before they are decoded, so a malformed message is
// never redelivered.
func (s EventSource) Next(ctx context.Context) (any, error) {
	msg, err := s.sub.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	msg.Ack()
	v := reflect.New(s.typ)
	if err := s.decode(msg.Body, v); err != nil {
		return nil, fmt.Errorf("decode %v: %w", s.typ, err)
	}
	return v.Elem().Interface(), nil
}

// Stream returns a component.Proc handing every event to h until the component
// stops. Any other failure is fatal to the component.
func (s EventSource) Stream(h EventHandler) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			ev, err := s.Next(l.Context())
			if l.Context().Err() != nil {
				return
			}
			if err != nil {
				l.Fatal(err)
			}
			if err := h(l.Context(), ev); err != nil {
				l.Fatal(fmt.Errorf("handle %T: %w", ev, err))
			}
		}
	}
}
