package traitable

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"time"

	"gocloud.dev/pubsub"
)

// RevisionCommitted announces that a revision of an object was durably saved.
type RevisionCommitted struct {
	Identity Identity
	Rev      int64
	At       time.Time
	Who      string
	Digest   Digest // Zero for classes without history.
}

// Feed publishes RevisionCommitted events to a pubsub topic, gob-encoded. Other
// processes sharing the document store subscribe to it to learn that their
// cached objects went stale (see TrackRevisions).
type Feed struct {
	topic *pubsub.Topic
}

// NewFeed returns a Feed publishing to topic. The caller keeps ownership of the
// topic and shuts it down.
func NewFeed(topic *pubsub.Topic) *Feed {
	return &Feed{topic: topic}
}

// Publish sends ev to the feed's topic.
func (f *Feed) Publish(ctx context.Context, ev RevisionCommitted) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	err := f.topic.Send(ctx, &pubsub.Message{
		Body: buf.Bytes(),
		Metadata: map[string]string{
			"collection": ev.Identity.Collection,
			"revision":   strconv.FormatInt(ev.Rev, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
