// Package events publishes auth domain events to NATS or Kafka. Payloads are the JSON
// encoding of auth.Event.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tenantry.org/internal/auth"
)

// Header names carried next to the payload on both transports.
const (
	HeaderEventID   = "Event-Id"
	HeaderEventType = "Event-Type"
	HeaderTenantID  = "Tenant-Id"
)

func encode(evt auth.Event) ([]byte, error) {
	if evt.Type == "" {
		return nil, errors.New("events: event type is required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", evt.Type, err)
	}
	return payload, nil
}

// Decode parses a payload produced by a publisher in this package.
func Decode(payload []byte) (auth.Event, error) {
	var evt auth.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return auth.Event{}, fmt.Errorf("events: decode: %w", err)
	}
	return evt, nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []auth.EventPublisher

func (f Fanout) Publish(ctx context.Context, evt auth.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
