package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// Exporter mirrors bus events onto a Google Pub/Sub topic so external
// consumers (billing, SIEM) can tail gateway activity.
type Exporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	cancel func()
	logger *slog.Logger
	done   chan struct{}
}

// NewExporter connects to Pub/Sub and subscribes to the bus. Export is
// best-effort: publish failures are logged and the event is dropped.
func NewExporter(ctx context.Context, bus Bus, projectID, topicName string, logger *slog.Logger) (*Exporter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(topicName)
	topic.PublishSettings.CountThreshold = 20
	topic.PublishSettings.DelayThreshold = 100 * time.Millisecond

	ch, cancel := bus.Subscribe(256)
	e := &Exporter{
		client: client,
		topic:  topic,
		cancel: cancel,
		logger: logger.With("component", "pubsub-exporter"),
		done:   make(chan struct{}),
	}
	go e.run(ch)
	return e, nil
}

func (e *Exporter) run(ch <-chan Event) {
	defer close(e.done)
	ctx := context.Background()

	for event := range ch {
		data, err := json.Marshal(event)
		if err != nil {
			e.logger.Warn("skip unmarshalable event", "type", event.Type, "error", err)
			continue
		}
		result := e.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"type":     string(event.Type),
				"resource": event.Resource,
			},
		})
		go func(event Event, result *pubsub.PublishResult) {
			if _, err := result.Get(ctx); err != nil {
				e.logger.Warn("pubsub publish failed", "type", event.Type, "error", err)
			}
		}(event, result)
	}
}

// Close unsubscribes, flushes pending publishes and closes the client.
func (e *Exporter) Close() error {
	e.cancel()
	<-e.done
	e.topic.Stop()
	return e.client.Close()
}
