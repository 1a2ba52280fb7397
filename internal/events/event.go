package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is one record from a chunk. Only the event name is parsed; the
// payload stays as received so callers can decode what they care about.
type Event struct {
	Name       string          `json:"eventName"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var head struct {
		Name string `json:"eventName"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	e.Name = head.Name
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(struct {
		Name string `json:"eventName"`
	}{e.Name})
}

// Decode unmarshals the raw payload into v.
func (e Event) Decode(v any) error {
	if len(e.Raw) == 0 {
		return errors.New("events: empty payload")
	}
	return json.Unmarshal(e.Raw, v)
}

// Handler receives events one at a time, in the order the server emitted them.
// The next event is not delivered until HandleEvent returns.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// Chain delivers each event to every handler in order.
// A failing handler does not prevent later handlers from seeing the event.
type Chain []Handler

func (c Chain) HandleEvent(ctx context.Context, e Event) error {
	var errs []error
	for _, h := range c {
		if h == nil {
			continue
		}
		if err := h.HandleEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
