// Package relay fans received events out over Redis and keeps two bridge
// processes from subscribing with the same login at the same time.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pbxlink/internal/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "pbx:events:"

// Envelope is what subscribers of a relay channel receive.
type Envelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source,omitempty"`
	EventName  string          `json:"event_name"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher publishes each event on <prefix><eventName>.
type Publisher struct {
	rdb    redis.Cmdable
	prefix string
	source string
}

func NewPublisher(rdb redis.Cmdable, prefix, source string) (*Publisher, error) {
	if rdb == nil {
		return nil, errors.New("relay: redis client is nil")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Publisher{rdb: rdb, prefix: prefix, source: source}, nil
}

func (p *Publisher) Channel(eventName string) string { return p.prefix + eventName }

func (p *Publisher) envelope(e events.Event) Envelope {
	payload := e.Raw
	if len(payload) == 0 {
		payload, _ = e.MarshalJSON()
	}
	at := e.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{ID: uuid.NewString(), Source: p.source, EventName: e.Name, ReceivedAt: at, Payload: payload}
}

func (p *Publisher) HandleEvent(ctx context.Context, e events.Event) error {
	if e.Name == "" {
		return errors.New("relay: event has no name")
	}
	b, err := json.Marshal(p.envelope(e))
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(e.Name), b).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", e.Name, err)
	}
	return nil
}
