package eventstream

import "context"

// Publisher publishes stream lifecycle events to an event stream backend.
type Publisher interface {
	PublishStreamFinished(ctx context.Context, event *StreamFinishedEvent) error
	Close() error
}
