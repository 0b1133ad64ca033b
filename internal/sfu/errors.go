package sfu

import "fmt"

const (
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrInvalidToken       = "INVALID_TOKEN"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrCredentialMismatch = "CREDENTIAL_MISMATCH"
	ErrPeerNotFound       = "PEER_NOT_FOUND"
	ErrRoomNotFound       = "ROOM_NOT_FOUND"
	ErrProducerNotFound   = "PRODUCER_NOT_FOUND"
	ErrTransportNotFound  = "TRANSPORT_NOT_FOUND"
	ErrNotInRoom          = "NOT_IN_ROOM"
	ErrAlreadyJoined      = "ALREADY_JOINED"
	ErrRoomExists         = "ROOM_EXISTS"
	ErrRoomNotReady       = "ROOM_NOT_READY"
	ErrRoomFull           = "ROOM_FULL"
	ErrNotAllowed         = "NOT_ALLOWED"
	ErrDuplicateProducer  = "DUPLICATE_PRODUCER"
	ErrAlreadyConsuming   = "ALREADY_CONSUMING"
	ErrUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrInternalError      = "INTERNAL_ERROR"
)

// Error is recovered at the handler boundary and sent back to the requester
// as a typed result; it never crosses the process boundary as a panic.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
