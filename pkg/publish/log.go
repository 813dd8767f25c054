package publish

import (
	"context"
	"log/slog"

	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
)

// LogPublisher writes a summary of every snapshot and event to the context
// logger.
type LogPublisher struct{}

// NewLog returns a LogPublisher.
func NewLog() *LogPublisher {
	return &LogPublisher{}
}

// Name implements Publisher.
func (*LogPublisher) Name() string {
	return "log"
}

// PublishSnapshot implements Publisher.
func (*LogPublisher) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	attrs := []any{
		slog.String("region", snap.Region),
		slog.String("status", string(snap.Health.Status)),
		slog.Int("slots", len(snap.Forecast.Slots)),
		slog.Bool("complete", snap.Forecast.Complete),
	}
	if cur, ok := snap.CurrentSlot(snap.GeneratedAt); ok {
		attrs = append(attrs,
			slog.String("phase", string(cur.Phase)),
			slog.String("price", cur.Price.String()),
		)
	}
	log.Ctx(ctx).InfoContext(ctx, "published snapshot", attrs...)
	return nil
}

// PublishEvent implements Publisher.
func (*LogPublisher) PublishEvent(ctx context.Context, ev types.Event) error {
	log.Ctx(ctx).InfoContext(
		ctx,
		"event fired",
		slog.String("type", string(ev.Type)),
		slog.String("region", ev.Region),
		slog.String("id", ev.ID.String()),
		slog.Any("payload", ev.Payload),
	)
	return nil
}

// Close implements Publisher.
func (*LogPublisher) Close() error {
	return nil
}
