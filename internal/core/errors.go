package core

import "errors"

var (
	ErrRoomFull                 = errors.New("voice room is full")
	ErrUserNotFound             = errors.New("user does not occupy a slot in this room")
	ErrAlreadyJoined            = errors.New("user already occupies a slot in this room")
	ErrInvalidSlot              = errors.New("slot index out of range")
	ErrConnectionNotInitialized = errors.New("webrtc connection not initialized")
	ErrTrackReleased            = errors.New("inbound track released")
	ErrUnknownTrack             = errors.New("remote track has no slot mapping")
	ErrNotFound                 = errors.New("channel not found")
	ErrNotAuthorized            = errors.New("not authorized")
	ErrRateLimited              = errors.New("too many join attempts")
	ErrBadPayload               = errors.New("bad payload")
	ErrConnClosed               = errors.New("connection closed")
	ErrBackpressure             = errors.New("backpressure")

	// ErrTransport marks failures coming out of the media engine.
	ErrTransport = errors.New("transport failure")
)

// ErrorKindOf maps an error to the kind reported to clients.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized):
		return ErrKindNotAuthorized
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrRoomFull):
		return ErrKindRoomFull
	case errors.Is(err, ErrConnectionNotInitialized):
		return ErrKindConnectionNotInitialized
	case errors.Is(err, ErrRateLimited):
		return ErrKindRateLimited
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrInvalidSlot):
		return ErrKindBadPayload
	case errors.Is(err, ErrTransport):
		return ErrKindTransport
	default:
		return ErrKindInternal
	}
}
