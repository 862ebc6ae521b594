package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/applyctl/flowctl/internal/store"
)

// LogPublisher writes every published event to the process log: the
// development and fallback sink when no real notification backend is
// configured. A publish fails only when the payload cannot be marshalled
// to JSON, so a missing broker can't block a worker waiting on an
// intervention notification.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher builds a LogPublisher over the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        store.NewID().String(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "flowctl",
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Printf("streaming: publish %s %s", topic, line)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
