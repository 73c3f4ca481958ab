// Package transformer provides implementations of the publisher.Transformer
// interface for converting change events to sink-specific payloads.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/trigon-io/trigon/publisher"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer renders change events as Debezium-style JSON
// payloads, consumable by Kafka Connect-era stream processors:
//
//   - insert -> op "c", after = row, before = null
//   - update -> op "u", after = row, before = null (change tracking does
//     not retain pre-images)
//   - delete -> op "d", before = primary-key row, after = null
type DebeziumTransformer struct {
	connectorName string
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{connectorName: "trigon"}
}

type debeziumPayload struct {
	Before map[string]string `json:"before"`
	After  map[string]string `json:"after"`
	Op     string            `json:"op"`
	TsMs   int64             `json:"ts_ms"`
	Source debeziumSource    `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Table     string `json:"table"`
}

// Transform renders one change event to a Debezium payload.
func (t *DebeziumTransformer) Transform(event publisher.Event) ([]byte, error) {
	payload := debeziumPayload{
		TsMs: event.TimestampMs,
		Source: debeziumSource{
			Connector: t.connectorName,
			Table:     event.Table,
		},
	}

	switch event.Operation {
	case publisher.OpInsert:
		payload.Op = "c"
		payload.After = event.Row
	case publisher.OpUpdate:
		payload.Op = "u"
		payload.After = event.Row
	case publisher.OpDelete:
		payload.Op = "d"
		payload.Before = event.Row
	default:
		return nil, fmt.Errorf("unknown operation %q", event.Operation)
	}

	return json.Marshal(payload)
}
