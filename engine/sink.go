package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/asaidimu/go-events"
	"go.uber.org/zap"

	"github.com/stevemurr/docgate/diff"
)

// DiffEvent is the event name under which EventSink publishes diffs.
const DiffEvent = "document:diff"

// DiffRecord describes how an upsert changed an existing document.
type DiffRecord struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Patch      diff.Patch `json:"patch"`
	At         time.Time  `json:"at"`
}

// DiffSink receives diffs computed during upserts. Implementations must not
// block for long; the engine calls them before the write.
type DiffSink interface {
	RecordDiff(ctx context.Context, rec DiffRecord)
}

// SinkFunc adapts a function to the DiffSink interface.
type SinkFunc func(ctx context.Context, rec DiffRecord)

func (f SinkFunc) RecordDiff(ctx context.Context, rec DiffRecord) { f(ctx, rec) }

// NopSink discards every diff.
type NopSink struct{}

func (NopSink) RecordDiff(context.Context, DiffRecord) {}

// LogSink writes each diff as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordDiff(_ context.Context, rec DiffRecord) {
	s.logger.Info("Document diff",
		zap.String("collection", rec.Collection),
		zap.String("id", rec.ID),
		zap.Stringer("diff", rec.Patch),
	)
}

// EventSink publishes diffs on an event bus so any number of subscribers can
// observe them without the engine knowing about them.
type EventSink struct {
	bus *events.TypedEventBus[DiffRecord]
}

func NewEventSink() (*EventSink, error) {
	bus, err := events.NewTypedEventBus[DiffRecord](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	return &EventSink{bus: bus}, nil
}

func (s *EventSink) RecordDiff(_ context.Context, rec DiffRecord) {
	s.bus.Emit(DiffEvent, rec)
}

// Close shuts the bus down.
func (s *EventSink) Close() {
	s.bus.Close()
}

// Subscribe registers sink for every published diff and returns a function
// that removes the subscription.
func (s *EventSink) Subscribe(sink DiffSink) func() {
	return s.bus.Subscribe(DiffEvent, func(ctx context.Context, rec DiffRecord) error {
		sink.RecordDiff(ctx, rec)
		return nil
	})
}
