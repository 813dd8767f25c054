package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/metrics"
	"github.com/raterudder/freephase/pkg/types"
)

// Publisher delivers snapshots and events to consumers outside the process.
type Publisher interface {
	Name() string
	PublishSnapshot(ctx context.Context, snap *types.Snapshot) error
	PublishEvent(ctx context.Context, ev types.Event) error
	Close() error
}

// Multi fans out to every publisher. A failing publisher doesn't prevent the
// others from receiving the message.
type Multi []Publisher

var _ Publisher = Multi(nil)

// Name implements Publisher.
func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, p := range m {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

// PublishSnapshot implements Publisher.
func (m Multi) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishSnapshot(ctx, snap); err != nil {
			metrics.RecordPublishFailure(p.Name())
			log.Ctx(ctx).WarnContext(ctx, "failed to publish snapshot", slog.String("publisher", p.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// PublishEvent implements Publisher.
func (m Multi) PublishEvent(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishEvent(ctx, ev); err != nil {
			metrics.RecordPublishFailure(p.Name())
			log.Ctx(ctx).WarnContext(ctx, "failed to publish event", slog.String("publisher", p.Name()), slog.String("type", string(ev.Type)), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Configured sets up the publishers named by the publishers flag.
func Configured() Publisher {
	names := lflag.String("publishers", "log", "Comma separated list of publishers (available: log, mqtt, kafka)")

	var m Multi
	p := &configured{}

	mq := configuredMQTT()
	kf := configuredKafka()

	lflag.Do(func() {
		for _, name := range strings.Split(*names, ",") {
			switch strings.TrimSpace(name) {
			case "":
			case "log":
				m = append(m, NewLog())
			case "mqtt":
				if err := mq.Validate(); err != nil {
					panic(fmt.Sprintf("mqtt validation failed: %v", err))
				}
				if err := mq.Connect(); err != nil {
					panic(fmt.Sprintf("mqtt connect failed: %v", err))
				}
				m = append(m, mq)
			case "kafka":
				if err := kf.Validate(); err != nil {
					panic(fmt.Sprintf("kafka validation failed: %v", err))
				}
				kf.Init()
				m = append(m, kf)
			default:
				panic(fmt.Sprintf("unknown publisher: %s", name))
			}
		}
		p.Multi = m
	})

	return p
}

// configured allows Configured to return before flags are parsed.
type configured struct {
	Multi
}
