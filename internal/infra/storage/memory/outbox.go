package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	appoutbox "chatsync/internal/app/outbox"
	infraoutbox "chatsync/internal/infra/outbox"
)

const (
	outboxNew     = "NEW"
	outboxClaimed = "CLAIMED"
	outboxFailed  = "FAILED"
)

// Outbox keeps events in memory and hands them to the outbox worker.
// Sent records are dropped.
type Outbox struct {
	mu      sync.Mutex
	now     func() time.Time
	records []*infraoutbox.EventDocument
}

func NewOutbox(now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{now: now}
}

func (o *Outbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, &infraoutbox.EventDocument{
		ID:          record.ID,
		Name:        record.Name,
		Payload:     slices.Clone(record.Payload),
		OccurredAt:  record.OccurredAt,
		Aggregate:   record.Aggregate,
		Headers:     record.Headers,
		State:       outboxNew,
		NextAttempt: o.now(),
	})
	return nil
}

func (o *Outbox) Flush(ctx context.Context) error {
	return nil
}

func (o *Outbox) Claim(ctx context.Context, workerID string) (*infraoutbox.EventDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for _, r := range o.records {
		if (r.State == outboxNew || r.State == outboxFailed) && !r.NextAttempt.After(now) {
			r.State = outboxClaimed
			r.ClaimedBy = workerID
			r.ClaimedAt = now
			out := *r
			return &out, nil
		}
	}
	return nil, nil
}

func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = slices.DeleteFunc(o.records, func(r *infraoutbox.EventDocument) bool { return r.ID == id })
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.records {
		if r.ID == id {
			r.State = outboxFailed
			r.NextAttempt = next
			r.LastError = errMsg
			r.Attempts++
		}
	}
	return nil
}

// Pending returns a copy of the records not yet sent.
func (o *Outbox) Pending() []infraoutbox.EventDocument {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]infraoutbox.EventDocument, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, *r)
	}
	return out
}

var (
	_ appoutbox.Outbox  = (*Outbox)(nil)
	_ infraoutbox.Queue = (*Outbox)(nil)
)
