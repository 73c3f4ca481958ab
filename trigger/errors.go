package trigger

import (
	"errors"
	"fmt"
)

// Initialization failures. The monitor never starts when one of these is
// returned from Start.
var (
	// ErrTableNotFound is returned when OBJECT_ID resolves to nothing.
	ErrTableNotFound = errors.New("table not found")

	// ErrNoPrimaryKey is returned when the watched table has no primary key.
	// Change tracking identifies rows by primary key; a table without one
	// cannot be monitored.
	ErrNoPrimaryKey = errors.New("table has no primary key")

	// ErrChangeTrackingNotEnabled is returned when
	// CHANGE_TRACKING_MIN_VALID_VERSION yields NULL for the watched table.
	ErrChangeTrackingNotEnabled = errors.New("change tracking is not enabled for table")
)

// ErrConfiguration is returned for invalid construction arguments.
type ErrConfiguration struct {
	Field  string
	Reason string
}

func (e ErrConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}
