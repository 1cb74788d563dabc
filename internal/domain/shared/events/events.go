package events

import "time"

// DomainEvent is a fact recorded by the sync layer and handed to the outbox.
type DomainEvent interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}
