package tracking

import "mailmerge/internal/types"

var (
	// ErrTrackingBusy is returned by GetCounts while another poll is running
	// on the same Aggregator.
	ErrTrackingBusy = types.NewAppError(
		types.ErrCodeConflictTrackingBusy,
		"View counts are already being refreshed. Try again shortly.",
		nil,
	)
	// ErrClosed is returned by every Aggregator method after Close.
	ErrClosed = types.NewAppError(
		types.ErrCodeInternalClosed,
		"tracking aggregator is closed",
		nil,
	)
)
