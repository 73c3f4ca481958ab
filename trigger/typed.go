package trigger

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed adapts a strongly-typed handler to the Executor interface. Each
// raw change row round-trips through a JSON rendering of its string-keyed
// map into T; the catalog string values are the canonical wire form, so T
// fields backed by non-string columns should accept strings (or implement
// their own unmarshaling).
//
// A row that fails to decode fails the whole batch: the executor reports
// failure, the monitor clears the batch, and the leases expire for retry
// elsewhere.
func Typed[T any](handler func(ctx context.Context, changes []SqlChange[T]) error) Executor {
	return ExecutorFunc(func(ctx context.Context, changes []Change) (bool, error) {
		decoded := make([]SqlChange[T], 0, len(changes))
		for _, c := range changes {
			raw, err := json.Marshal(c.Row)
			if err != nil {
				return false, fmt.Errorf("failed to encode change row: %w", err)
			}
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return false, fmt.Errorf("failed to decode change row: %w", err)
			}
			decoded = append(decoded, SqlChange[T]{Operation: c.Operation, Item: item})
		}

		if err := handler(ctx, decoded); err != nil {
			return false, err
		}
		return true, nil
	})
}
