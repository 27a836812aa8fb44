package sink

import (
	"context"

	"github.com/shortontech/botbeacon/internal/event"
)

// Sink mirrors stored visits somewhere else. Sinks run after the store
// insert succeeded and never affect the ingest response.
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(v event.BotVisit) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
