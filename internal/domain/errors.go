package domain

import "errors"

var (
	// ErrUnauthorized indicates the ambient credential was rejected
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired indicates the credential could not be refreshed;
	// the caller should return to an unauthenticated entry point
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionNotFound indicates the wizard session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamBusy indicates a message was submitted while a stream is open
	ErrStreamBusy = errors.New("a response is still streaming")

	// ErrSessionTerminal indicates the conversation already concluded
	ErrSessionTerminal = errors.New("session has concluded")

	// ErrEmptyMessage indicates a blank message submission
	ErrEmptyMessage = errors.New("message is empty")
)
