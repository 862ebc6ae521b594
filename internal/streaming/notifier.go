package streaming

import (
	"context"

	"github.com/applyctl/flowctl/internal/executor"
)

// PublisherNotifier adapts a Publisher into executor.Notifier, the
// one-shot notify(kind, payload) sink: every notification is a publish
// onto a fixed "flowctl.notifications" topic, keyed by kind so a
// subscriber can filter.
type PublisherNotifier struct {
	Pub Publisher
}

func (n PublisherNotifier) Notify(ctx context.Context, kind executor.NotifyKind, payload map[string]any) error {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["kind"] = string(kind)
	return n.Pub.Publish(ctx, "flowctl.notifications", out)
}
