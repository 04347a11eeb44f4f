package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicechat/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MsgJoinAudioChannel           MessageType = "join_audio_channel"
	MsgWebRTCOffer                MessageType = "webrtc_offer"
	MsgWebRTCAnswer               MessageType = "webrtc_answer"
	MsgIceCandidate               MessageType = "ice_candidate"
	MsgDisconnectFromAudioChannel MessageType = "disconnect_from_audio_channel"
	MsgDisconnect                 MessageType = "disconnect"
	MsgClose                      MessageType = "close"
	MsgError                      MessageType = "error"
	MsgPing                       MessageType = "ping"
	MsgPong                       MessageType = "pong"
	MsgUserJoinedAudioChannel     MessageType = "user_joined_audio_channel"
	MsgUserLeftAudioChannel       MessageType = "user_left_audio_channel"
	// MsgMuteSlot and MsgUnmuteSlot stop or resume forwarding one slot to the sender.
	MsgMuteSlot   MessageType = "mute_slot"
	MsgUnmuteSlot MessageType = "unmute_slot"
)

type ErrorKind string

const (
	ErrKindNotAuthorized            ErrorKind = "not_authorized"
	ErrKindNotFound                 ErrorKind = "not_found"
	ErrKindRoomFull                 ErrorKind = "room_full"
	ErrKindConnectionNotInitialized ErrorKind = "webrtc_connection_not_initialized"
	ErrKindBadPayload               ErrorKind = "bad_payload"
	ErrKindRateLimited              ErrorKind = "rate_limited"
	ErrKindTransport                ErrorKind = "transport"
	ErrKindInternal                 ErrorKind = "internal"
)

// TrackSlot tells the client which room slot a server track carries.
type TrackSlot struct {
	TrackID string `json:"track_id"`
	Slot    int    `json:"slot"`
}

// Message is the flat signaling envelope. Only the fields relevant to Type are set.
type Message struct {
	Type      MessageType                `json:"type"`
	ServerID  domain.ServerID            `json:"server_id,omitempty"`
	ChannelID domain.ChannelID           `json:"channel_id,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Tracks    []TrackSlot                `json:"tracks,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Err       ErrorKind                  `json:"err,omitempty"`
	User      *domain.User               `json:"user,omitempty"`
	Slot      *int                       `json:"slot,omitempty"`
}

// DecodeMessage parses one inbound frame and checks the fields its type requires.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch m.Type {
	case MsgJoinAudioChannel:
		if m.ServerID == "" || m.ChannelID == "" {
			return m, fmt.Errorf("%w: join without server_id/channel_id", ErrBadPayload)
		}
	case MsgWebRTCOffer, MsgWebRTCAnswer:
		if m.SDP == nil {
			return m, fmt.Errorf("%w: %s without sdp", ErrBadPayload, m.Type)
		}
	case MsgIceCandidate:
		if m.Candidate == nil {
			return m, fmt.Errorf("%w: ice_candidate without candidate", ErrBadPayload)
		}
	case MsgMuteSlot, MsgUnmuteSlot:
		if m.Slot == nil {
			return m, fmt.Errorf("%w: %s without slot", ErrBadPayload, m.Type)
		}
	case MsgDisconnectFromAudioChannel, MsgDisconnect, MsgClose, MsgError, MsgPing, MsgPong,
		MsgUserJoinedAudioChannel, MsgUserLeftAudioChannel:
	default:
		return m, fmt.Errorf("%w: unknown type %q", ErrBadPayload, m.Type)
	}
	return m, nil
}

func JoinMessage(server domain.ServerID, channel domain.ChannelID) Message {
	return Message{Type: MsgJoinAudioChannel, ServerID: server, ChannelID: channel}
}

func OfferMessage(sdp webrtc.SessionDescription, tracks []TrackSlot) Message {
	return Message{Type: MsgWebRTCOffer, SDP: &sdp, Tracks: tracks}
}

func AnswerMessage(sdp webrtc.SessionDescription) Message {
	return Message{Type: MsgWebRTCAnswer, SDP: &sdp}
}

func CandidateMessage(c webrtc.ICECandidateInit) Message {
	return Message{Type: MsgIceCandidate, Candidate: &c}
}

func MuteMessage(slot int, muted bool) Message {
	if muted {
		return Message{Type: MsgMuteSlot, Slot: &slot}
	}
	return Message{Type: MsgUnmuteSlot, Slot: &slot}
}

func ErrorMessage(kind ErrorKind) Message {
	return Message{Type: MsgError, Err: kind}
}

func PresenceMessage(t MessageType, ch domain.Channel, user domain.User, slot int) Message {
	return Message{Type: t, ServerID: ch.ServerID, ChannelID: ch.ID, User: &user, Slot: &slot}
}
