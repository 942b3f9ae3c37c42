package sessions

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFinished = errors.New("session already finished")
	ErrInvalidRequest  = errors.New("invalid request")

	// ErrTrialConflict means another writer stored the same trial number
	// first. The live estimator is dropped and rebuilt on the next call.
	ErrTrialConflict = errors.New("trial already recorded")
)
