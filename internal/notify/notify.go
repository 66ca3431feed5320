package notify

import (
	"context"

	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/logger"
)

// Notifier receives domain events after the batch that carried them has
// committed. Delivery is best-effort: a crash between commit and
// notification drops that window's notifications, because a re-applied
// window skips positions already in the store. Consumers that need a
// complete record must read the store, not rely on notifications alone.
type Notifier interface {
	// EventsApplied is called once per committed batch with the events
	// applied in that batch, in apply order. Errors are logged, never
	// propagated: notification failures must not stall the sync loop.
	EventsApplied(ctx context.Context, events []decoder.Event) error
}

// Compile-time checks.
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (MultiNotifier)(nil)
	_ Notifier = (*NopNotifier)(nil)
)

// LogNotifier writes a structured log line per applied event.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier that logs applied events.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) EventsApplied(ctx context.Context, events []decoder.Event) error {
	for _, event := range events {
		meta := event.Metadata()
		n.log.Infow("event applied",
			"event", event.Name(),
			"chain_id", meta.ChainID,
			"block", meta.BlockNumber,
			"tx", meta.TxHash.Hex(),
			"log_index", meta.LogIndex,
		)
	}
	return nil
}

// MultiNotifier fans out to multiple notifiers. Every notifier sees every
// batch; one failing does not stop the others.
type MultiNotifier []Notifier

func (m MultiNotifier) EventsApplied(ctx context.Context, events []decoder.Event) error {
	var firstErr error
	for _, notifier := range m {
		if err := notifier.EventsApplied(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) EventsApplied(ctx context.Context, events []decoder.Event) error {
	return nil
}
