package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// Worker moves claimed outbox events to the producer as CloudEvents.
type Worker struct {
	Queue       Queue
	Producer    Producer
	Interval    time.Duration
	TopicPrefix string
	Source      string
	ID          string
	Backoff     []time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

var ErrWorkerNotConfigured = errors.New("outbox: worker missing dependencies")

func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil || w.Producer == nil {
		return ErrWorkerNotConfigured
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil {
				return err
			}
		}
	}
}

// Drain publishes due events until none is left.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		done, err := w.processOnce(ctx)
		if err != nil || done {
			return err
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) (bool, error) {
	doc, err := w.Queue.Claim(ctx, w.workerID())
	if err != nil {
		return true, err
	}
	if doc == nil {
		return true, nil
	}
	topic := w.topicFor(doc.Name)
	payload, headers, err := w.formatPayload(doc)
	if err == nil {
		err = w.Producer.Publish(ctx, topic, doc.Aggregate, payload, headers)
	}
	if err != nil {
		w.logger().Warn("outbox publish failed", "event_id", doc.ID, "event", doc.Name, "attempts", doc.Attempts+1, "error", err)
		if markErr := w.Queue.MarkFailed(ctx, doc.ID, w.nextRetry(doc.Attempts), err.Error()); markErr != nil {
			return true, markErr
		}
		return false, nil
	}
	return false, w.Queue.MarkSent(ctx, doc.ID)
}

func (w *Worker) formatPayload(doc *EventDocument) ([]byte, map[string]string, error) {
	data := map[string]any{}
	if err := json.Unmarshal(doc.Payload, &data); err != nil {
		return nil, nil, err
	}
	evt := map[string]any{
		"specversion":     "1.0",
		"id":              doc.ID,
		"type":            doc.Name + ".v1",
		"source":          w.source(),
		"subject":         doc.Aggregate,
		"time":            doc.OccurredAt,
		"datacontenttype": "application/json",
		"data":            data,
	}
	if trace, ok := doc.Headers["traceparent"]; ok {
		evt["traceparent"] = trace
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		"content-type": "application/cloudevents+json",
	}
	for k, v := range doc.Headers {
		headers[k] = v
	}
	return payload, headers, nil
}

// topicFor maps "chat.message.sent" to "chat.events.v1".
func (w *Worker) topicFor(name string) string {
	base := name
	if idx := strings.IndexRune(name, '.'); idx > 0 {
		base = name[:idx]
	}
	topic := base + ".events.v1"
	if w.TopicPrefix != "" {
		topic = w.TopicPrefix + topic
	}
	return topic
}

func (w *Worker) workerID() string {
	if w.ID != "" {
		return w.ID
	}
	return "chatsync-outbox"
}

func (w *Worker) interval() time.Duration {
	if w.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return w.Interval
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) nextRetry(attempts int) time.Time {
	if attempts < len(w.Backoff) {
		return w.now().Add(w.Backoff[attempts])
	}
	if len(w.Backoff) > 0 {
		return w.now().Add(w.Backoff[len(w.Backoff)-1])
	}
	return w.now().Add(5 * time.Second)
}

func (w *Worker) source() string {
	if w.Source != "" {
		return w.Source
	}
	return "app://chatsync"
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// LogProducer stands in for Kafka when no brokers are configured.
type LogProducer struct {
	Logger *slog.Logger
}

func (p LogProducer) Publish(_ context.Context, topic, key string, payload []byte, _ map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("event published", "topic", topic, "key", key, "bytes", len(payload))
	return nil
}
