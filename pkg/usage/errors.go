package usage

import "errors"

var (
	// ErrNoEvents is returned when no usage event matches a query
	ErrNoEvents = errors.New("no usage events")

	// ErrInvalidUsage is returned for a usage record that fails validation
	ErrInvalidUsage = errors.New("invalid usage record")

	// ErrInvalidRateTable is returned when a rate table cannot be parsed
	ErrInvalidRateTable = errors.New("invalid rate table")
)
