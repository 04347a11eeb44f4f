package domain

// Permission is a capability kind checked by the external permission service.
type Permission string

const (
	PermJoinAudioChannel                 Permission = "join_audio_channel"
	PermJoinAudioChannelInHiddenChannels Permission = "join_audio_channel_in_hidden_channels"
)

// JoinPermission picks the permission required to join ch.
func JoinPermission(ch Channel) Permission {
	if ch.Hidden {
		return PermJoinAudioChannelInHiddenChannels
	}
	return PermJoinAudioChannel
}
