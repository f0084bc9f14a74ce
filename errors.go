package conjunction

import "errors"

var (
	// ErrNotAuthorized is returned when the caller is not the mission's operator.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrAlreadyRevealed is returned when a decryption targets something that
	// has already been revealed.
	ErrAlreadyRevealed = errors.New("already revealed")
	// ErrInvalidRequest is returned for unknown or already consumed request ids.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProofVerificationFailed is returned when the oracle attestation does
	// not authenticate the cleartexts for the request.
	ErrProofVerificationFailed = errors.New("proof verification failed")

	ErrUnknownMission         = errors.New("unknown mission")
	ErrUnknownAnalysis        = errors.New("unknown analysis")
	ErrRequestPending         = errors.New("decryption request already pending")
	ErrInvalidCleartexts      = errors.New("malformed cleartexts")
	ErrIncompleteTrajectory   = errors.New("trajectory is missing encrypted fields")
	ErrIncompleteAnalysis     = errors.New("analysis is missing encrypted fields")
	ErrTrajectoryExists       = errors.New("trajectory already stored for mission")
	ErrIncompatibleCiphertext = errors.New("ciphertext does not belong to this evaluator")
)
