package session

import "errors"

var (
	// ErrSessionNotFound is returned when no live session has the given id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when renewing a session past either timeout
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidToken is returned for tokens that fail to parse or verify
	ErrInvalidToken = errors.New("invalid session token")

	// ErrInvalidPasscode is returned when a second-factor code does not verify
	ErrInvalidPasscode = errors.New("invalid two-factor passcode")

	// ErrLockedOut is returned while a key is locked out after repeated failures
	ErrLockedOut = errors.New("too many failed attempts")

	// ErrWeakSecret is returned for signing secrets shorter than MinSecretLength
	ErrWeakSecret = errors.New("session secret too short")
)
