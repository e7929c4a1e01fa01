package dispatch

import "mailmerge/internal/types"

// Refusals carry the notice shown to the user. They are advisory: the
// dispatcher state is left untouched.
var (
	ErrBatchInProgress = types.NewAppError(
		types.ErrCodeConflictBatchInProgress,
		"Note: The current batch of emails are still being sent. It was not sent again.",
		nil,
	)
	ErrBatchNotReleased = types.NewAppError(
		types.ErrCodeConflictBatchNotReleased,
		"Note: The current batch of emails have already been sent. It was not sent again.",
		nil,
	)
	ErrNothingToCancel = types.NewAppError(
		types.ErrCodeConflictNothingToCancel,
		"There are no emails currently being sent to cancel.",
		nil,
	)
	ErrNoCredential = types.NewAppError(
		types.ErrCodeValidationMissingField,
		"a sending credential is required",
		nil,
	)

	// errStillSending is returned by AllowNextBatch. It matches
	// ErrBatchInProgress under errors.Is.
	errStillSending = types.NewAppError(
		types.ErrCodeConflictBatchInProgress,
		"Note: The current batch of emails are still being sent. Please wait until it has finished sending.",
		nil,
	)
)

// CancelledNotice is the confirmation shown after a successful Cancel.
const CancelledNotice = "Successfully cancelled."
