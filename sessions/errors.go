package sessions

import "errors"

var (
	// ErrAlreadyOpen is returned by OpenPush while a push channel is open.
	ErrAlreadyOpen = errors.New("push channel already open")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrPushUnavailable is returned by Notify when no push channel is open.
	ErrPushUnavailable = errors.New("push channel not open")
	// ErrSessionIDCollision is returned by Create when the generated id is
	// already live or was issued before.
	ErrSessionIDCollision = errors.New("session id collision")
	// ErrSessionNotFound is returned when a session id is not in the registry.
	ErrSessionNotFound = errors.New("session not found")
)
