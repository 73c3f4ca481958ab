package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trigon-io/trigon/telemetry"
	"github.com/trigon-io/trigon/trigger"
)

// SinkExecutorConfig configures a sink-backed executor for one table.
type SinkExecutorConfig struct {
	Table       string            // Watched table, e.g. "dbo.Orders"
	PKColumns   []string          // Ordered primary-key column names
	TopicPrefix string            // Topic is "<prefix>.<table with . -> _>"
	Sink        Sink              // Destination
	Transformer Transformer       // Payload renderer
	Filter      Filter            // Optional table filter
}

// SinkExecutor publishes every change of a batch through a sink. It
// implements trigger.Executor: a failed publish fails the batch, so the
// engine's lease expiry drives the retry.
type SinkExecutor struct {
	config SinkExecutorConfig
	topic  string
}

// NewSinkExecutor creates a sink executor.
func NewSinkExecutor(config SinkExecutorConfig) (*SinkExecutor, error) {
	if config.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if len(config.PKColumns) == 0 {
		return nil, fmt.Errorf("primary key columns are required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}

	topic := config.Table
	topic = strings.ReplaceAll(topic, ".", "_")
	if config.TopicPrefix != "" {
		topic = config.TopicPrefix + "." + topic
	}

	return &SinkExecutor{config: config, topic: topic}, nil
}

// TryExecute publishes the batch change by change, keyed by the row's
// primary-key values so same-row changes stay ordered per partition.
func (e *SinkExecutor) TryExecute(ctx context.Context, changes []trigger.Change) (bool, error) {
	if e.config.Filter != nil && !e.config.Filter.Match(e.config.Table) {
		return true, nil
	}

	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		event := Event{
			Table:       e.config.Table,
			Operation:   operationName(change.Operation),
			Row:         change.Row,
			TimestampMs: time.Now().UnixMilli(),
		}

		payload, err := e.config.Transformer.Transform(event)
		if err != nil {
			return false, fmt.Errorf("failed to transform change: %w", err)
		}

		if err := e.config.Sink.Publish(e.topic, e.rowKey(change.Row), payload); err != nil {
			telemetry.SinkPublishTotal.With("failed").Inc()
			return false, fmt.Errorf("failed to publish change: %w", err)
		}
		telemetry.SinkPublishTotal.With("success").Inc()
	}

	log.Debug().
		Str("table", e.config.Table).
		Str("topic", e.topic).
		Int("rows", len(changes)).
		Msg("Published change batch")

	return true, nil
}

// rowKey joins the primary-key values in declared order.
func (e *SinkExecutor) rowKey(row map[string]string) string {
	parts := make([]string, len(e.config.PKColumns))
	for i, col := range e.config.PKColumns {
		parts[i] = row[col]
	}
	return strings.Join(parts, ":")
}

func operationName(op trigger.Operation) string {
	switch op {
	case trigger.Insert:
		return OpInsert
	case trigger.Update:
		return OpUpdate
	case trigger.Delete:
		return OpDelete
	}
	return "unknown"
}
