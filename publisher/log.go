package publisher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/trigon-io/trigon/trigger"
)

// LogExecutor writes every change to the structured log. Default executor
// when no sink is configured; also handy when validating a new trigger
// before wiring a real destination.
type LogExecutor struct {
	table  string
	logger zerolog.Logger
}

// NewLogExecutor creates a log-backed executor for one table.
func NewLogExecutor(table string, logger zerolog.Logger) *LogExecutor {
	return &LogExecutor{table: table, logger: logger}
}

// TryExecute logs each change and always succeeds.
func (e *LogExecutor) TryExecute(ctx context.Context, changes []trigger.Change) (bool, error) {
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		e.logger.Info().
			Str("table", e.table).
			Str("operation", change.Operation.String()).
			Interface("row", change.Row).
			Msg("Change")
	}
	return true, nil
}
